package pipeline

import (
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// ToolError is returned when an external tool rejected its input
type ToolError struct {
	Title   string
	Message string
}

func (e *ToolError) Error() string {
	return e.Title + ": " + e.Message
}

// DefaultMessage renders the tool output as is
const DefaultMessage = "{{.Message}}"

// Notifier reports failed tasks to the user
type Notifier struct {
	logger  *zerolog.Logger
	message *template.Template
}

// NewNotifier parses the message template. The template receives the ToolError.
func NewNotifier(logger *zerolog.Logger, message string) (*Notifier, error) {
	tpl, err := template.New("notification").Parse(message)
	if err != nil {
		return nil, eris.Wrap(err, "invalid notification template")
	}

	return &Notifier{logger: logger, message: tpl}, nil
}

// Notify logs err for task. Tool errors use their title and the rendered message.
func (n *Notifier) Notify(task string, err error) {
	var toolErr *ToolError
	if !eris.As(err, &toolErr) {
		n.logger.Error().Str("task", task).Err(err).Msg("failed")
		return
	}

	buf := strings.Builder{}
	if tplErr := n.message.Execute(&buf, toolErr); tplErr != nil {
		buf.Reset()
		buf.WriteString(toolErr.Message)
	}

	n.logger.Error().Str("task", task).Msgf("%s\n%s", toolErr.Title, strings.TrimRight(buf.String(), "\n"))
}

// IsToolError reports whether err was caused by a failed external tool
func IsToolError(err error) bool {
	var toolErr *ToolError
	return eris.As(err, &toolErr)
}

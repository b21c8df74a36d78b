package pipeline

import (
	"bytes"
	"context"
	"strings"

	"github.com/jimmidyson/hawtio-jmx/pkg/buildsys"
)

// shellQuote wraps arg in single quotes unless it only contains safe characters
func shellQuote(arg string) string {
	if arg != "" && strings.IndexFunc(arg, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=+,@%", r))
	}) == -1 {
		return arg
	}

	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// runTool calls an external tool. tool is inserted verbatim so it may contain arguments of its own.
// Output and errors are captured; on failure a ToolError with title and the tool's output is returned.
func (s *Session) runTool(ctx context.Context, title, tool string, args ...string) ([]byte, error) {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, tool)
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}

	var stdout, stderr bytes.Buffer
	err := buildsys.RunShell(ctx, s.Project.Root, nil, strings.Join(parts, " "), &stdout, &stderr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		message := strings.TrimSpace(stderr.String() + "\n" + stdout.String())
		if message == "" {
			message = err.Error()
		}
		return nil, &ToolError{Title: title, Message: message}
	}

	return stdout.Bytes(), nil
}

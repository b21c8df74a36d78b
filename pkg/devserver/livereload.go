package devserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ProtocolV7 is the only LiveReload protocol we speak
const ProtocolV7 = "http://livereload.com/protocols/official-7"

type lrMessage struct {
	Command    string   `json:"command"`
	Protocols  []string `json:"protocols,omitempty"`
	ServerName string   `json:"serverName,omitempty"`
	Path       string   `json:"path,omitempty"`
	LiveCSS    bool     `json:"liveCSS,omitempty"`
}

type lrClient struct {
	conn  *websocket.Conn
	lock  sync.Mutex
	ready bool
}

func (c *lrClient) send(msg lrMessage) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(msg)
}

// handshake answers the client's hello. Reloads are only sent once it's done.
func (c *lrClient) handshake() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := c.conn.WriteJSON(lrMessage{
		Command:    "hello",
		Protocols:  []string{ProtocolV7},
		ServerName: "hawtio-build",
	})
	if err != nil {
		return err
	}

	c.ready = true
	return nil
}

// LiveReload keeps track of connected LiveReload clients
type LiveReload struct {
	upgrader websocket.Upgrader
	lock     sync.Mutex
	clients  map[*lrClient]bool
}

// NewLiveReload creates an empty hub
func NewLiveReload() *LiveReload {
	return &LiveReload{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*lrClient]bool),
	}
}

func (lr *LiveReload) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	logger := Log(r.Context())

	conn, err := lr.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("live reload upgrade failed")
		return
	}

	client := &lrClient{conn: conn}
	lr.lock.Lock()
	lr.clients[client] = true
	lr.lock.Unlock()

	defer func() {
		lr.lock.Lock()
		delete(lr.clients, client)
		lr.lock.Unlock()
		conn.Close()
	}()

	lr.readLoop(logger, client)
}

func (lr *LiveReload) readLoop(logger *zerolog.Logger, client *lrClient) {
	for {
		var msg lrMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("live reload client gone")
			}
			return
		}

		switch msg.Command {
		case "hello":
			supported := false
			for _, proto := range msg.Protocols {
				if proto == ProtocolV7 {
					supported = true
				}
			}

			if !supported {
				logger.Warn().Strs("protocols", msg.Protocols).Msg("live reload client doesn't support protocol 7")
				return
			}

			if err := client.handshake(); err != nil {
				return
			}
			logger.Info().Msg("live reload client connected")
		case "info":
			// plugin and URL details, nothing to do
		default:
			logger.Debug().Str("command", msg.Command).Msg("ignoring live reload message")
		}
	}
}

// Reload tells every client that finished the handshake to reload path. It returns the number of
// notified clients.
func (lr *LiveReload) Reload(path string) int {
	lr.lock.Lock()
	clients := make([]*lrClient, 0, len(lr.clients))
	for client := range lr.clients {
		clients = append(clients, client)
	}
	lr.lock.Unlock()

	count := 0
	for _, client := range clients {
		client.lock.Lock()
		ready := client.ready
		client.lock.Unlock()
		if !ready {
			continue
		}

		err := client.send(lrMessage{Command: "reload", Path: path, LiveCSS: true})
		if err == nil {
			count++
		}
	}
	return count
}

// Clients returns the number of open connections
func (lr *LiveReload) Clients() int {
	lr.lock.Lock()
	defer lr.lock.Unlock()
	return len(lr.clients)
}

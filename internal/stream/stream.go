// Package stream is the websocket transport: the same operations as the HTTP
// API, multiplexed over one connection, plus a push mode that delivers
// receive batches as they happen instead of per-request polling.
package stream

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hmdev/channelmesh/internal/message"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Events carry opaque payloads; allow reasonably large frames.
	maxMessageSize = 256 * 1024

	// Outbound frame buffer per connection. A client that cannot drain its
	// pushes gets disconnected rather than stalling the broker.
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Auth is by channel credentials, not by origin.
		return true
	},
}

// Broker defines what the stream transport needs from the delivery service.
type Broker interface {
	Connect(req message.ConnectRequest, remoteAddr string) (message.ConnectResponse, error)
	Disconnect(sessionID string, async bool) error
	Send(sessionID string, env message.EventMessage) (message.ChannelStateDto, error)
	Receive(ctx context.Context, sessionID string, rc message.ReceiveConfig) (message.EventMessageResult, error)
	ListAgents(sessionID string) ([]message.AgentInfo, error)
	ListSystemAgents(sessionID string) ([]message.AgentInfo, error)
	Status(sessionID string) (message.StatusResponse, error)
	CreateChannel(req message.ConnectRequest) (message.ChannelStateDto, error)
	DeleteChannel(channelID, devAPIKey string) (bool, error)
	StoragePut(sessionID, key string, value []byte) error
	StorageGet(sessionID, key string) ([]byte, error)
	StorageList(sessionID, prefix string) ([]string, error)
	StorageDelete(sessionID, key string) error
}

// Dependencies defines what the stream server needs from the rest of the
// application.
type Dependencies struct {
	Broker Broker
	Log    *slog.Logger
}

// Server upgrades websocket connections and runs one conn loop per client.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a stream Server with its single websocket route.
func NewServer(deps Dependencies) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /stream", s.handleStream)
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the stream server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.mux,
		ReadTimeout: 0, // websocket lifetimes are managed by ping/pong
		IdleTimeout: 120 * time.Second,
	}
	s.deps.Log.Info("stream api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the stream server. Live websocket
// connections are closed by their pumps when the listener goes away.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := newConn(ws, s.deps.Broker, clientIP(r), s.deps.Log)
	go c.writePump()
	c.readPump()
}

// clientIP strips the port from the peer address for the roster.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

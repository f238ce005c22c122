// Package web is the HTTP JSON transport. Every broker operation is a POST
// with a JSON body, answered in the {status, data, statusMessage} envelope;
// the handlers only marshal and map errors, all semantics live in the
// delivery service.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hmdev/channelmesh/internal/delivery"
	"github.com/hmdev/channelmesh/internal/message"
)

// Broker defines what the transport needs from the delivery service.
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

// Dependencies defines what the web server needs from the rest of the
// application.
type Dependencies struct {
	Broker   Broker
	LongPoll time.Duration
	Log      *slog.Logger
}

// Server is the broker's HTTP API server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/v1/connect", s.handleConnect)
	s.mux.HandleFunc("POST /api/v1/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("POST /api/v1/send", s.handleSend)
	s.mux.HandleFunc("POST /api/v1/receive", s.handleReceive)
	s.mux.HandleFunc("POST /api/v1/list-agents", s.handleListAgents)
	s.mux.HandleFunc("POST /api/v1/list-system-agents", s.handleListSystemAgents)
	s.mux.HandleFunc("POST /api/v1/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/v1/create-channel", s.handleCreateChannel)
	s.mux.HandleFunc("POST /api/v1/delete-channel", s.handleDeleteChannel)
	s.mux.HandleFunc("POST /api/v1/storage-put", s.handleStoragePut)
	s.mux.HandleFunc("POST /api/v1/storage-get", s.handleStorageGet)
	s.mux.HandleFunc("POST /api/v1/storage-list", s.handleStorageList)
	s.mux.HandleFunc("POST /api/v1/storage-delete", s.handleStorageDelete)

	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server on the given address. WriteTimeout
// leaves headroom over the long-poll budget so blocked receives are not cut
// off mid-wait.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.deps.LongPoll + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("http api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// envelope is the uniform response wrapper.
type envelope struct {
	Status        string `json:"status"`
	Data          any    `json:"data,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeData writes a success envelope.
func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: data})
}

// writeError maps a service error onto an HTTP status and the error
// envelope. The session-not-found statusMessage is kept verbatim; clients
// match on it to trigger reconnect.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	switch {
	case errors.Is(err, delivery.ErrSessionNotFound):
		status = http.StatusNotFound
		msg = delivery.ErrSessionNotFound.Error()
	case errors.Is(err, delivery.ErrChannelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, delivery.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, delivery.ErrAgentNameConflict):
		status = http.StatusConflict
	case errors.Is(err, delivery.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, delivery.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, delivery.ErrTransient):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	writeJSON(w, status, envelope{Status: "error", StatusMessage: msg})
}

// decode parses a JSON request body into v.
func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

package web

import (
	"fmt"
	"net/http"

	"github.com/hmdev/channelmesh/internal/delivery"
	"github.com/hmdev/channelmesh/internal/message"
)

// sessionRequest is the common body shape for session-scoped operations.
type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req message.ConnectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, badBody(err))
		return
	}
	resp, err := s.deps.Broker.Connect(req, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, resp)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		sessionRequest
		AsyncDisconnect bool `json:"asyncDisconnect,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, badBody(err))
		return
	}
	if err := s.deps.Broker.Disconnect(req.SessionID, req.AsyncDisconnect); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, nil)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		sessionRequest
		Event message.EventMessage `json:"event"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, badBody(err))
		return
	}
	state, err := s.deps.Broker.Send(req.SessionID, req.Event)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, state)
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		sessionRequest
		Config message.ReceiveConfig `json:"config"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, badBody(err))
		return
	}
	result, err := s.deps.Broker.Receive(r.Context(), req.SessionID, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, result)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	s.handleRoster(w, r, s.deps.Broker.ListAgents)
}

func (s *Server) handleListSystemAgents(w http.ResponseWriter, r *http.Request) {
	s.handleRoster(w, r, s.deps.Broker.ListSystemAgents)
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request, list func(string) ([]message.AgentInfo, error)) {
	var req sessionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, badBody(err))
		return
	}
	agents, err := list(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if agents == nil {
		agents = []message.AgentInfo{}
	}
	writeData(w, agents)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, badBody(err))
		return
	}
	status, err := s.deps.Broker.Status(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, status)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req message.ConnectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, badBody(err))
		return
	}
	state, err := s.deps.Broker.CreateChannel(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, state)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID string `json:"channelId"`
		DevAPIKey string `json:"devApiKey"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, badBody(err))
		return
	}
	deleted, err := s.deps.Broker.DeleteChannel(req.ChannelID, req.DevAPIKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]bool{"deleted": deleted})
}

// storageRequest is the body shape for the channel KV operations. Value is an
// opaque string echoed back unchanged.
type storageRequest struct {
	sessionRequest
	Key    string `json:"key,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	Value  string `json:"value,omitempty"`
}

func (s *Server) handleStoragePut(w http.ResponseWriter, r *http.Request) {
	var req storageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, badBody(err))
		return
	}
	if err := s.deps.Broker.StoragePut(req.SessionID, req.Key, []byte(req.Value)); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, nil)
}

func (s *Server) handleStorageGet(w http.ResponseWriter, r *http.Request) {
	var req storageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, badBody(err))
		return
	}
	value, err := s.deps.Broker.StorageGet(req.SessionID, req.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	data := map[string]any{"found": value != nil}
	if value != nil {
		data["value"] = string(value)
	}
	writeData(w, data)
}

func (s *Server) handleStorageList(w http.ResponseWriter, r *http.Request) {
	var req storageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, badBody(err))
		return
	}
	keys, err := s.deps.Broker.StorageList(req.SessionID, req.Prefix)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, keys)
}

func (s *Server) handleStorageDelete(w http.ResponseWriter, r *http.Request) {
	var req storageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, badBody(err))
		return
	}
	if err := s.deps.Broker.StorageDelete(req.SessionID, req.Key); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, nil)
}

func badBody(err error) error {
	return fmt.Errorf("%w: malformed request body: %v", delivery.ErrBadRequest, err)
}

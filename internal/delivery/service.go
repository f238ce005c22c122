// Package delivery is the broker service: every client-facing operation
// (connect, send, receive, roster, storage) is a method here, with transports
// as thin marshalling layers on top.
package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hmdev/channelmesh/internal/channel"
	"github.com/hmdev/channelmesh/internal/config"
	"github.com/hmdev/channelmesh/internal/durable"
	"github.com/hmdev/channelmesh/internal/ephemeral"
	"github.com/hmdev/channelmesh/internal/identity"
	"github.com/hmdev/channelmesh/internal/message"
	"github.com/hmdev/channelmesh/internal/metrics"
	"github.com/hmdev/channelmesh/internal/session"
	"github.com/hmdev/channelmesh/internal/store"
)

// RelayAgentName is the broker-managed session registered when a client asks
// for WebRTC relaying.
const RelayAgentName = "system-webrtc-relay"

// Dependencies carries everything the service needs. All fields are required
// except Logger, which defaults to slog.Default().
type Dependencies struct {
	Config   *config.Config
	Channels *channel.Registry
	Sessions *session.Manager
	Log      durable.Log
	Cache    *ephemeral.Cache
	Store    *store.Store
	Logger   *slog.Logger
}

// Service implements the broker operations.
type Service struct {
	cfg      *config.Config
	channels *channel.Registry
	sessions *session.Manager
	dlog     durable.Log
	cache    *ephemeral.Cache
	store    *store.Store
	log      *slog.Logger
}

// New wires a Service from its dependencies.
func New(d Dependencies) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      d.Config,
		channels: d.Channels,
		sessions: d.Sessions,
		dlog:     d.Log,
		cache:    d.Cache,
		store:    d.Store,
		log:      logger.With("component", "delivery"),
	}
}

// resolveDevKey validates a "keyId:secret" developer key against the
// configured set and returns the keyId. With no keys configured the broker
// runs open and the keyId is taken at face value.
func (s *Service) resolveDevKey(devAPIKey string) (string, error) {
	keyID, secret, _ := strings.Cut(devAPIKey, ":")
	if len(s.cfg.DevAPIKeys) == 0 {
		return keyID, nil
	}
	if keyID == "" {
		return "", fmt.Errorf("%w: missing developer key", ErrUnauthorized)
	}
	want, ok := s.cfg.DevAPIKeys[keyID]
	if !ok || want != secret {
		return "", fmt.Errorf("%w: bad developer key", ErrUnauthorized)
	}
	return keyID, nil
}

// CreateChannel explicitly creates (or returns) the channel derived from the
// request's identity inputs.
func (s *Service) CreateChannel(req message.ConnectRequest) (message.ChannelStateDto, error) {
	if req.ChannelName == "" {
		return message.ChannelStateDto{}, fmt.Errorf("%w: channelName is required", ErrBadRequest)
	}
	if req.ChannelPassword == "" && req.DevAPIKey == "" {
		return message.ChannelStateDto{}, fmt.Errorf("%w: %w", ErrBadRequest, identity.ErrMissingPassword)
	}
	keyID, err := s.resolveDevKey(req.DevAPIKey)
	if err != nil {
		return message.ChannelStateDto{}, err
	}
	scope := identity.ParseScope(req.APIKeyScope)

	st, err := s.channels.Create(channel.CreateParams{
		ChannelID:      identity.ChannelID(keyID, scope, req.ChannelName, req.ChannelPassword),
		ChannelName:    req.ChannelName,
		HashedPassword: req.ChannelPassword,
		DevKeyID:       keyID,
		Scope:          scope,
	})
	if err != nil {
		return message.ChannelStateDto{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	metrics.ChannelsActive.Set(float64(len(s.channels.All())))
	return st.Dto(), nil
}

// Connect attaches an agent to a channel, creating the channel on first
// contact when the caller holds (channelName, password). Connect by bare
// channelId skips the password check; such an agent relies on the
// password-exchange protocol to obtain the secret from a member.
func (s *Service) Connect(req message.ConnectRequest, remoteAddr string) (message.ConnectResponse, error) {
	if req.AgentName == "" {
		return message.ConnectResponse{}, fmt.Errorf("%w: agentName is required", ErrBadRequest)
	}

	var st channel.State
	switch {
	case req.ChannelID != "":
		var ok bool
		st, ok = s.channels.Lookup(req.ChannelID)
		if !ok {
			return message.ConnectResponse{}, fmt.Errorf("%w: %s", ErrChannelNotFound, req.ChannelID)
		}
		if req.ChannelPassword != "" && !identity.CheckPasswordHash(st.HashedPassword, req.ChannelPassword) {
			return message.ConnectResponse{}, fmt.Errorf("%w: password mismatch", ErrUnauthorized)
		}
	case req.ChannelName != "":
		keyID, err := s.resolveDevKey(req.DevAPIKey)
		if err != nil {
			return message.ConnectResponse{}, err
		}
		scope := identity.ParseScope(req.APIKeyScope)
		channelID := identity.ChannelID(keyID, scope, req.ChannelName, req.ChannelPassword)

		var ok bool
		st, ok = s.channels.Lookup(channelID)
		if !ok {
			st, err = s.channels.Create(channel.CreateParams{
				ChannelID:      channelID,
				ChannelName:    req.ChannelName,
				HashedPassword: req.ChannelPassword,
				DevKeyID:       keyID,
				Scope:          scope,
			})
			if err != nil {
				return message.ConnectResponse{}, fmt.Errorf("%w: %v", ErrTransient, err)
			}
			metrics.ChannelsActive.Set(float64(len(s.channels.All())))
		} else if !identity.CheckPasswordHash(st.HashedPassword, req.ChannelPassword) {
			return message.ConnectResponse{}, fmt.Errorf("%w: password mismatch", ErrUnauthorized)
		}
	default:
		return message.ConnectResponse{}, fmt.Errorf("%w: channelId or channelName is required", ErrBadRequest)
	}

	if len(st.AllowedAgentNames) > 0 && !contains(st.AllowedAgentNames, req.AgentName) {
		return message.ConnectResponse{}, fmt.Errorf("%w: agent %s not allowed", ErrUnauthorized, req.AgentName)
	}

	role, ctx := splitRole(req.AgentContext)
	if strings.HasPrefix(role, session.SystemRolePrefix) {
		return message.ConnectResponse{}, fmt.Errorf("%w: reserved role", ErrBadRequest)
	}

	info := message.FromContextMap(req.AgentName, ctx, role)
	if info.IPAddress == "" {
		info.IPAddress = remoteAddr
	}

	sess, err := s.sessions.Connect(st.ChannelID, info)
	if err != nil {
		if errors.Is(err, session.ErrNameConflict) {
			return message.ConnectResponse{}, fmt.Errorf("%w: %s", ErrAgentNameConflict, req.AgentName)
		}
		return message.ConnectResponse{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	if req.EnableWebrtcRelay {
		if _, err := s.sessions.EnsureSystemAgent(st.ChannelID, RelayAgentName, "system-webrtc-relay"); err != nil {
			s.log.Warn("relay agent registration failed", "channelId", st.ChannelID, "error", err)
		}
	}

	// The CONNECT event is how peers learn of the join; its content is the
	// joining agent's roster entry.
	if err := s.emitLifecycle(st.ChannelID, message.Connect, sess.Info, false); err != nil {
		s.sessions.Disconnect(sess.ID)
		return message.ConnectResponse{}, err
	}

	metrics.SessionsActive.Set(float64(s.sessions.Total()))

	current, _ := s.channels.Lookup(st.ChannelID)
	return message.ConnectResponse{
		SessionID:  sess.ID,
		ChannelID:  st.ChannelID,
		Date:       time.Now().UnixMilli(),
		State:      current.Dto(),
		IceServers: message.ParseIceServers(s.cfg.ICEServers),
	}, nil
}

// Disconnect detaches a session. Idempotent: an unknown session is a no-op.
// With async set the DISCONNECT event is emitted in the background, for
// page-unload beacons that cannot wait.
func (s *Service) Disconnect(sessionID string, async bool) error {
	sess, ok := s.sessions.Disconnect(sessionID)
	if !ok {
		return nil
	}
	metrics.SessionsActive.Set(float64(s.sessions.Total()))

	emit := func() error {
		return s.emitLifecycle(sess.ChannelID, message.Disconnect, sess.Info, false)
	}
	if async {
		go func() {
			if err := emit(); err != nil {
				s.log.Warn("async disconnect event failed", "channelId", sess.ChannelID, "error", err)
			}
		}()
		return nil
	}
	if err := emit(); err != nil {
		return err
	}
	return nil
}

// DisconnectReaped emits the system DISCONNECT for a session the idle reaper
// removed.
func (s *Service) DisconnectReaped(sess *session.Session) {
	if err := s.emitLifecycle(sess.ChannelID, message.Disconnect, sess.Info, true); err != nil {
		s.log.Warn("reaper disconnect event failed", "channelId", sess.ChannelID, "error", err)
	}
}

// lifecyclePayload is the CONNECT/DISCONNECT event content: the agent's
// roster entry plus a flag marking broker-initiated disconnects.
type lifecyclePayload struct {
	message.AgentInfo
	SystemEvent bool `json:"systemEvent,omitempty"`
}

func (s *Service) emitLifecycle(channelID string, typ message.EventType, info message.AgentInfo, systemEvent bool) error {
	content, err := json.Marshal(lifecyclePayload{AgentInfo: info, SystemEvent: systemEvent})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	env := &message.EventMessage{
		From:    info.AgentName,
		To:      "*",
		Type:    typ,
		Content: string(content),
		Date:    time.Now().UnixMilli(),
	}
	if _, _, err := s.channels.AppendDurable(channelID, func(gOff, lOff int64) error {
		env.GlobalOffset = &gOff
		env.LocalOffset = &lOff
		return s.dlog.Append(channelID, env)
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	metrics.SendsTotal.WithLabelValues(typ.String(), "durable").Inc()
	return nil
}

// DeleteChannel tears down a channel: record, durable log, KV storage,
// ephemeral cache, and all live sessions. Returns false when the channel did
// not exist.
func (s *Service) DeleteChannel(channelID, devAPIKey string) (bool, error) {
	keyID, err := s.resolveDevKey(devAPIKey)
	if err != nil {
		return false, err
	}
	ok, err := s.channels.Delete(channelID, keyID)
	if err != nil {
		if errors.Is(err, channel.ErrNotOwner) {
			return false, fmt.Errorf("%w: not channel owner", ErrUnauthorized)
		}
		return false, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if !ok {
		return false, nil
	}

	dropped := s.sessions.DropChannel(channelID)
	s.cache.DropChannel(channelID)
	metrics.ChannelsActive.Set(float64(len(s.channels.All())))
	metrics.SessionsActive.Set(float64(s.sessions.Total()))
	s.log.Info("channel torn down", "channelId", channelID, "droppedSessions", len(dropped))
	return true, nil
}

// ListAgents returns the caller's channel roster, system agents excluded.
func (s *Service) ListAgents(sessionID string) ([]message.AgentInfo, error) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.Touch()
	return s.sessions.Roster(sess.ChannelID), nil
}

// ListSystemAgents returns only broker-managed agents in the caller's channel.
func (s *Service) ListSystemAgents(sessionID string) ([]message.AgentInfo, error) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.Touch()
	return s.sessions.SystemRoster(sess.ChannelID), nil
}

// Status reports session and channel health, including the offset self-check
// projection.
func (s *Service) Status(sessionID string) (message.StatusResponse, error) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return message.StatusResponse{}, ErrSessionNotFound
	}
	sess.Touch()

	offsets, err := s.channels.PeekOffsets(sess.ChannelID)
	if err != nil {
		return message.StatusResponse{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return message.StatusResponse{
		SessionID:      sess.ID,
		AgentName:      sess.AgentName(),
		ChannelID:      sess.ChannelID,
		ConnectionTime: sess.Info.ConnectionTime,
		LastSeen:       sess.LastSeen().UnixMilli(),
		ActiveAgents:   s.sessions.Count(sess.ChannelID),
		Offsets:        offsets,
	}, nil
}

// splitRole pulls the role out of the agent context so it does not also end
// up in the metadata map. Empty role defaults to client.
func splitRole(agentContext map[string]string) (string, map[string]string) {
	role := "client"
	if agentContext == nil {
		return role, nil
	}
	if r, ok := agentContext["role"]; ok && r != "" {
		role = r
	}
	ctx := make(map[string]string, len(agentContext))
	for k, v := range agentContext {
		if k == "role" {
			continue
		}
		ctx[k] = v
	}
	return role, ctx
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

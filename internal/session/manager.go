// Package session holds the in-process session table: who is attached to
// which channel under which name. Sessions are never persisted; a restart
// drops them all and clients reconnect.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hmdev/channelmesh/internal/events"
	"github.com/hmdev/channelmesh/internal/message"
)

// SystemRolePrefix marks sessions created by the broker itself rather than a
// connecting client. They are hidden from the normal roster.
const SystemRolePrefix = "system-"

// ErrNameConflict is returned when an agent name is already live in the
// channel.
var ErrNameConflict = errors.New("agent name already connected")

// Session is one live attachment of an agent to a channel.
type Session struct {
	ID        string
	ChannelID string
	Info      message.AgentInfo

	// receiveMu serializes receive calls for this session so concurrent
	// polls cannot double-deliver ephemeral events.
	receiveMu sync.Mutex

	mu             sync.Mutex
	lastSeen       time.Time
	ephemeralWmark int64
	emptyPolls     int
	done           chan struct{}
}

// AgentName returns the session's agent name.
func (s *Session) AgentName() string { return s.Info.AgentName }

// IsSystem reports whether the session belongs to a broker-managed agent.
func (s *Session) IsSystem() bool {
	return strings.HasPrefix(s.Info.Role, SystemRolePrefix)
}

// LockReceive serializes receive processing for this session.
func (s *Session) LockReceive()   { s.receiveMu.Lock() }
func (s *Session) UnlockReceive() { s.receiveMu.Unlock() }

// Done is closed when the session is destroyed, unblocking in-flight
// long-polls.
func (s *Session) Done() <-chan struct{} { return s.done }

// Touch records activity for the idle reaper.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the time of the session's most recent activity.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// EphemeralWatermark returns the last ephemeral sequence delivered to this
// session.
func (s *Session) EphemeralWatermark() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ephemeralWmark
}

// AdvanceEphemeralWatermark moves the watermark forward; a stale value is
// ignored so concurrent advances stay idempotent.
func (s *Session) AdvanceEphemeralWatermark(seq int64) {
	s.mu.Lock()
	if seq > s.ephemeralWmark {
		s.ephemeralWmark = seq
	}
	s.mu.Unlock()
}

// EmptyPolls returns the count of consecutive receives that delivered
// nothing, which drives the AUTO poll backoff.
func (s *Session) EmptyPolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emptyPolls
}

// NoteEmptyPoll bumps the consecutive empty receive count.
func (s *Session) NoteEmptyPoll() {
	s.mu.Lock()
	s.emptyPolls++
	s.mu.Unlock()
}

// ResetEmptyPolls clears the backoff after a delivery.
func (s *Session) ResetEmptyPolls() {
	s.mu.Lock()
	s.emptyPolls = 0
	s.mu.Unlock()
}

// Manager is the process-wide session table with a per-channel roster index.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	byChannel map[string]map[string]*Session // channelId -> agentName
	lastConn  map[string]int64               // per-channel monotonic connectionTime

	bus *events.Bus
	log *slog.Logger
}

// NewManager creates an empty session table.
func NewManager(bus *events.Bus, log *slog.Logger) *Manager {
	return &Manager{
		sessions:  make(map[string]*Session),
		byChannel: make(map[string]map[string]*Session),
		lastConn:  make(map[string]int64),
		bus:       bus,
		log:       log.With("component", "session-manager"),
	}
}

// newSessionID returns an unguessable 32-hex-char identifier.
func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session id entropy: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Connect registers a new session. The agent name must not be live in the
// channel. ConnectionTime is monotonic within the channel even when the
// clock stalls, so host election stays total.
func (m *Manager) Connect(channelID string, info message.AgentInfo) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	roster, ok := m.byChannel[channelID]
	if !ok {
		roster = make(map[string]*Session)
		m.byChannel[channelID] = roster
	}
	if _, live := roster[info.AgentName]; live {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNameConflict, info.AgentName)
	}

	now := time.Now().UnixMilli()
	if now <= m.lastConn[channelID] {
		now = m.lastConn[channelID] + 1
	}
	m.lastConn[channelID] = now
	info.ConnectionTime = now

	s := &Session{
		ID:        id,
		ChannelID: channelID,
		Info:      info,
		lastSeen:  time.Now(),
		done:      make(chan struct{}),
	}
	m.sessions[id] = s
	roster[info.AgentName] = s
	m.mu.Unlock()

	m.log.Info("session connected", "channelId", channelID, "agentName", info.AgentName, "role", info.Role)
	m.bus.Publish(events.ChannelEvent{Kind: events.KindSessionJoined, ChannelID: channelID, AgentName: info.AgentName})
	return s, nil
}

// EnsureSystemAgent registers a broker-managed session under the given name
// if one is not already live. Idempotent.
func (m *Manager) EnsureSystemAgent(channelID, agentName, role string) (*Session, error) {
	m.mu.RLock()
	existing := m.byChannel[channelID][agentName]
	m.mu.RUnlock()
	if existing != nil {
		return existing, nil
	}
	s, err := m.Connect(channelID, message.AgentInfo{AgentName: agentName, Role: role})
	if errors.Is(err, ErrNameConflict) {
		// Raced with another ensure; the live one wins.
		m.mu.RLock()
		s = m.byChannel[channelID][agentName]
		m.mu.RUnlock()
		return s, nil
	}
	return s, err
}

// Get returns the live session for an id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	return s, ok
}

// Disconnect removes the session and returns it so the caller can emit the
// DISCONNECT event. Removing an unknown id returns false.
func (m *Manager) Disconnect(sessionID string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		m.remove(s)
	}
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	m.log.Info("session disconnected", "channelId", s.ChannelID, "agentName", s.AgentName())
	m.bus.Publish(events.ChannelEvent{Kind: events.KindSessionLeft, ChannelID: s.ChannelID, AgentName: s.AgentName()})
	return s, true
}

// remove deletes the session from both indexes and unblocks its waiters.
// Caller holds m.mu.
func (m *Manager) remove(s *Session) {
	delete(m.sessions, s.ID)
	if roster, ok := m.byChannel[s.ChannelID]; ok {
		delete(roster, s.AgentName())
		if len(roster) == 0 {
			delete(m.byChannel, s.ChannelID)
			delete(m.lastConn, s.ChannelID)
		}
	}
	close(s.done)
}

// Roster returns the channel's agents as AgentInfo, system sessions excluded.
func (m *Manager) Roster(channelID string) []message.AgentInfo {
	return m.roster(channelID, false)
}

// SystemRoster returns only the channel's broker-managed agents.
func (m *Manager) SystemRoster(channelID string) []message.AgentInfo {
	return m.roster(channelID, true)
}

func (m *Manager) roster(channelID string, systemOnly bool) []message.AgentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []message.AgentInfo
	for _, s := range m.byChannel[channelID] {
		if s.IsSystem() != systemOnly {
			continue
		}
		out = append(out, s.Info)
	}
	sortRoster(out)
	return out
}

// Sessions returns all live sessions of a channel, system ones included.
func (m *Manager) Sessions(channelID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.byChannel[channelID]))
	for _, s := range m.byChannel[channelID] {
		out = append(out, s)
	}
	return out
}

// Count reports the number of live sessions in a channel.
func (m *Manager) Count(channelID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byChannel[channelID])
}

// ReapIdle removes sessions with no activity since the cutoff and returns
// them so the caller can emit system DISCONNECT events. System sessions are
// never reaped.
func (m *Manager) ReapIdle(cutoff time.Time) []*Session {
	m.mu.Lock()
	var reaped []*Session
	for _, s := range m.sessions {
		if s.IsSystem() {
			continue
		}
		if s.LastSeen().Before(cutoff) {
			m.remove(s)
			reaped = append(reaped, s)
		}
	}
	m.mu.Unlock()

	for _, s := range reaped {
		m.log.Info("session reaped", "channelId", s.ChannelID, "agentName", s.AgentName())
		m.bus.Publish(events.ChannelEvent{Kind: events.KindSessionReaped, ChannelID: s.ChannelID, AgentName: s.AgentName()})
	}
	return reaped
}

// DropChannel destroys every session of a channel, for channel deletion.
func (m *Manager) DropChannel(channelID string) []*Session {
	m.mu.Lock()
	var dropped []*Session
	for _, s := range m.byChannel[channelID] {
		dropped = append(dropped, s)
	}
	for _, s := range dropped {
		m.remove(s)
	}
	m.mu.Unlock()
	return dropped
}

// Total reports the number of live sessions across all channels.
func (m *Manager) Total() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// sortRoster orders agents by connectionTime, ties broken by name, matching
// host election order.
func sortRoster(roster []message.AgentInfo) {
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].ConnectionTime != roster[j].ConnectionTime {
			return roster[i].ConnectionTime < roster[j].ConnectionTime
		}
		return roster[i].AgentName < roster[j].AgentName
	})
}

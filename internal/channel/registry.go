// Package channel owns channel lifecycle and offset allocation. Channel
// records are cached in memory and written through to the store; the cache is
// the hot path for lookups and every offset allocation goes through it.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hmdev/channelmesh/internal/events"
	"github.com/hmdev/channelmesh/internal/identity"
	"github.com/hmdev/channelmesh/internal/message"
	"github.com/hmdev/channelmesh/internal/store"
)

// ErrNotOwner is returned when a delete is attempted with a developer key
// that does not own the channel.
var ErrNotOwner = errors.New("developer key does not own channel")

// State is the authoritative channel record. Offset counters live here; the
// durable log and the ephemeral cache only consume offsets the registry
// allocates.
type State struct {
	ChannelID      string `json:"channelId"`
	ChannelName    string `json:"channelName"`
	HashedPassword string `json:"hashedPassword,omitempty"`
	DevKeyID       string `json:"devKeyId,omitempty"`
	TopicName      string `json:"topicName"`
	CreatedAt      int64  `json:"createdAt"`
	AgeMs          int64  `json:"ageMs"`
	Public         bool   `json:"publicChannel"`

	AllowedAgentNames []string `json:"allowedAgentNames,omitempty"`

	// Counters: the last allocated offsets, not the next.
	GlobalOffset int64 `json:"globalOffset"`
	LocalOffset  int64 `json:"localOffset"`

	// Offsets at (re)creation of the channel's log instance.
	OriginalGlobalOffset int64 `json:"originalGlobalOffset"`
	OriginalLocalOffset  int64 `json:"originalLocalOffset"`
}

// Dto projects the state into its client-facing snapshot. The stored password
// hash is included; callers that reached the channel proved they hold it.
func (s *State) Dto() message.ChannelStateDto {
	return message.ChannelStateDto{
		TopicName:            s.TopicName,
		ChannelID:            s.ChannelID,
		ChannelName:          s.ChannelName,
		ChannelPassword:      s.HashedPassword,
		GlobalOffset:         message.Int64Ptr(s.GlobalOffset),
		LocalOffset:          message.Int64Ptr(s.LocalOffset),
		OriginalGlobalOffset: message.Int64Ptr(s.OriginalGlobalOffset),
		OriginalLocalOffset:  message.Int64Ptr(s.OriginalLocalOffset),
		PublicChannel:        s.Public,
		AllowedAgentNames:    s.AllowedAgentNames,
		AgeMs:                s.AgeMs,
	}
}

type entry struct {
	mu    sync.Mutex // serializes allocation and write-through for one channel
	state State

	// appendMu is held across a durable allocation and its log write so
	// events land in the log in the order their offsets were handed out.
	appendMu sync.Mutex
}

// CreateParams carries everything needed to create a channel. ChannelID is
// derived by the caller via the identity package.
type CreateParams struct {
	ChannelID      string
	ChannelName    string
	HashedPassword string
	DevKeyID       string
	Scope          identity.APIKeyScope
	AgeMs          int64
}

// Registry is the process-wide channel table.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*entry

	store        *store.Store
	bus          *events.Bus
	log          *slog.Logger
	defaultAgeMs int64
}

// NewRegistry creates an empty registry. Call Load to hydrate persisted
// channels before serving.
func NewRegistry(st *store.Store, bus *events.Bus, log *slog.Logger, defaultAgeMs int64) *Registry {
	return &Registry{
		channels:     make(map[string]*entry),
		store:        st,
		bus:          bus,
		log:          log.With("component", "channel-registry"),
		defaultAgeMs: defaultAgeMs,
	}
}

// Load hydrates the cache from the store. Counters are reconciled with the
// durable log head so a crash between an append and a record write never
// hands out an already-used localOffset.
func (r *Registry) Load() error {
	records, err := r.store.ListChannels()
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, data := range records {
		var st State
		if err := json.Unmarshal(data, &st); err != nil {
			r.log.Warn("skipping corrupt channel record", "channelId", id, "error", err)
			continue
		}
		if head, ok, err := r.store.LastEventOffset(id); err == nil && ok && head > st.LocalOffset {
			r.log.Warn("channel counters behind log head, reseeding",
				"channelId", id, "localOffset", st.LocalOffset, "logHead", head)
			st.GlobalOffset += head - st.LocalOffset
			st.LocalOffset = head
		}
		r.channels[id] = &entry{state: st}
	}
	r.log.Info("channel registry loaded", "channels", len(r.channels))
	return nil
}

// offsetMarker is what survives a channel deletion: the final counters,
// persisted so a recreated channel under the same channelId resumes counting
// instead of restarting at zero.
type offsetMarker struct {
	GlobalOffset int64 `json:"globalOffset"`
	LocalOffset  int64 `json:"localOffset"`
}

// Create registers a channel, idempotently by channelId. The counters and
// original offsets are seeded from the channelId's deletion marker and any
// leftover log, so offsets stay monotonic across delete and recreate and a
// nonzero originalGlobalOffset tells clients this is a fresh instance.
func (r *Registry) Create(p CreateParams) (State, error) {
	r.mu.Lock()
	if e, ok := r.channels[p.ChannelID]; ok {
		r.mu.Unlock()
		e.mu.Lock()
		st := e.state
		e.mu.Unlock()
		return st, nil
	}

	ageMs := p.AgeMs
	if ageMs <= 0 {
		ageMs = r.defaultAgeMs
	}
	st := State{
		ChannelID:      p.ChannelID,
		ChannelName:    p.ChannelName,
		HashedPassword: p.HashedPassword,
		DevKeyID:       p.DevKeyID,
		TopicName:      "mesh-" + p.ChannelID,
		CreatedAt:      time.Now().UnixMilli(),
		AgeMs:          ageMs,
		Public:         p.Scope == identity.ScopePublic,
	}
	seedGlobal, seedLocal := r.seedOffsets(p.ChannelID)
	st.OriginalGlobalOffset = seedGlobal
	st.OriginalLocalOffset = seedLocal
	st.GlobalOffset = seedGlobal
	st.LocalOffset = seedLocal

	if err := r.persist(&st); err != nil {
		r.mu.Unlock()
		return State{}, err
	}
	r.channels[p.ChannelID] = &entry{state: st}
	r.mu.Unlock()

	r.log.Info("channel created", "channelId", p.ChannelID, "channelName", p.ChannelName, "public", st.Public)
	r.bus.Publish(events.ChannelEvent{Kind: events.KindChannelCreated, ChannelID: p.ChannelID})
	return st, nil
}

// seedOffsets picks the counters a new channel instance starts from: the
// deletion marker when the channelId lived before, reconciled with any log
// left behind by a record-only delete.
func (r *Registry) seedOffsets(channelID string) (global, local int64) {
	if data, err := r.store.GetOffsetMarker(channelID); err == nil && data != nil {
		var m offsetMarker
		if err := json.Unmarshal(data, &m); err == nil {
			global, local = m.GlobalOffset, m.LocalOffset
		}
	}
	if head, ok, err := r.store.LastEventOffset(channelID); err == nil && ok && head > local {
		global += head - local
		local = head
	}
	return global, local
}

// Lookup returns a snapshot of the channel state. The second return is false
// when the channel does not exist.
func (r *Registry) Lookup(channelID string) (State, bool) {
	r.mu.RLock()
	e, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return State{}, false
	}
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	return st, true
}

// All returns a snapshot of every registered channel, for housekeeping scans.
func (r *Registry) All() []State {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.channels))
	for _, e := range r.channels {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]State, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}
	return out
}

// Delete removes the channel, its log, and its storage. Returns false when
// the channel does not exist (delete is idempotent). A non-empty devKeyID on
// the record must match the caller's. The final counters are kept as a
// marker so a recreated channel resumes past them.
func (r *Registry) Delete(channelID, devKeyID string) (bool, error) {
	r.mu.Lock()
	e, ok := r.channels[channelID]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	e.mu.Lock()
	final := e.state
	e.mu.Unlock()
	if final.DevKeyID != "" && final.DevKeyID != devKeyID {
		r.mu.Unlock()
		return false, ErrNotOwner
	}
	delete(r.channels, channelID)
	r.mu.Unlock()

	marker, err := json.Marshal(offsetMarker{GlobalOffset: final.GlobalOffset, LocalOffset: final.LocalOffset})
	if err == nil {
		err = r.store.SaveOffsetMarker(channelID, marker)
	}
	if err != nil {
		r.log.Warn("offset marker save failed", "channelId", channelID, "error", err)
	}

	if err := r.store.DeleteChannel(channelID); err != nil {
		return false, fmt.Errorf("delete channel %s: %w", channelID, err)
	}
	r.log.Info("channel deleted", "channelId", channelID)
	r.bus.Publish(events.ChannelEvent{Kind: events.KindChannelDeleted, ChannelID: channelID})
	return true, nil
}

// AllocateOffsets hands out the next offset pair for the channel. Durable
// sends get both offsets and the counters are written through before the
// caller may append; ephemeral sends advance only the in-memory global
// counter, their offsets exist for display ordering alone.
func (r *Registry) AllocateOffsets(channelID string, ephemeral bool) (global int64, local *int64, err error) {
	r.mu.RLock()
	e, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return 0, nil, fmt.Errorf("allocate offsets: channel %s not registered", channelID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if ephemeral {
		e.state.GlobalOffset++
		return e.state.GlobalOffset, nil, nil
	}

	next := e.state
	next.GlobalOffset++
	next.LocalOffset++
	if err := r.persist(&next); err != nil {
		// Counters unchanged, nothing was handed out.
		return 0, nil, err
	}
	e.state = next
	l := next.LocalOffset
	return next.GlobalOffset, &l, nil
}

// AppendDurable allocates the next durable offset pair and runs the write
// callback before releasing the channel's append lock. Allocating and
// appending as separate steps would let offset N+1 reach the log before N;
// a reader polling in between advances past N and never sees it.
func (r *Registry) AppendDurable(channelID string, write func(global, local int64) error) (int64, int64, error) {
	r.mu.RLock()
	e, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return 0, 0, fmt.Errorf("append durable: channel %s not registered", channelID)
	}

	e.appendMu.Lock()
	defer e.appendMu.Unlock()

	e.mu.Lock()
	next := e.state
	next.GlobalOffset++
	next.LocalOffset++
	if err := r.persist(&next); err != nil {
		e.mu.Unlock()
		return 0, 0, err
	}
	e.state = next
	e.mu.Unlock()

	if err := write(next.GlobalOffset, next.LocalOffset); err != nil {
		return 0, 0, err
	}
	return next.GlobalOffset, next.LocalOffset, nil
}

// PeekOffsets reports the counter and log positions used by the offset
// self-check. A cache counter behind the log head marks the channel dirty and
// reseeds the counters from the log.
func (r *Registry) PeekOffsets(channelID string) (message.ChannelOffsetInfo, error) {
	r.mu.RLock()
	e, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return message.ChannelOffsetInfo{}, fmt.Errorf("peek offsets: channel %s not registered", channelID)
	}

	head, _, err := r.store.LastEventOffset(channelID)
	if err != nil {
		return message.ChannelOffsetInfo{}, fmt.Errorf("log head for %s: %w", channelID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.LocalOffset < head {
		r.log.Warn("channel offsets dirty, reseeding",
			"channelId", channelID, "localOffset", e.state.LocalOffset, "logHead", head)
		next := e.state
		next.GlobalOffset += head - next.LocalOffset
		next.LocalOffset = head
		if err := r.persist(&next); err != nil {
			return message.ChannelOffsetInfo{}, err
		}
		e.state = next
	}

	return message.ChannelOffsetInfo{
		ChannelID:         channelID,
		CacheLocalCounter: e.state.LocalOffset,
		DBLocalOffset:     e.state.LocalOffset,
		DBGlobalOffset:    e.state.GlobalOffset,
		LogLastOffset:     head,
	}, nil
}

func (r *Registry) persist(st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal channel record: %w", err)
	}
	if err := r.store.SaveChannel(st.ChannelID, data); err != nil {
		return fmt.Errorf("save channel record: %w", err)
	}
	return nil
}

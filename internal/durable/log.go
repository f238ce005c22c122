// Package durable defines the ordered per-channel event log contract and its
// BoltDB-backed implementation. The contract is deliberately narrow so the
// backend can be swapped for a log broker or a database table.
package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hmdev/channelmesh/internal/events"
	"github.com/hmdev/channelmesh/internal/message"
	"github.com/hmdev/channelmesh/internal/store"
)

// Log is the durable ordered store of persistent events per channel.
//
// Ordering: for two successful appends A then B on the same channel,
// localOffset_A < localOffset_B and globalOffset_A < globalOffset_B. Offsets
// are allocated by the channel registry before Append; the log only persists
// and serves them.
type Log interface {
	// Append persists an event whose offsets are already assigned.
	Append(channelID string, env *message.EventMessage) error

	// ReadRange returns up to limit events with localOffset > fromLocal and
	// globalOffset > fromGlobal, in append order. When the result would be
	// empty and wait > 0, it blocks until the first new append, the wait
	// deadline (returning an empty batch), or context cancellation.
	// Ephemeral channel activity also ends the wait with an empty batch so
	// the caller can serve the ephemeral tier without sitting out the full
	// poll budget.
	ReadRange(ctx context.Context, channelID string, fromGlobal, fromLocal int64, limit int, wait time.Duration) ([]message.EventMessage, error)

	// LastOffset reports the highest persisted localOffset; ok is false for
	// an empty or absent log.
	LastOffset(channelID string) (offset int64, ok bool, err error)

	// Prune removes events dated before the cutoff, oldest first. Surviving
	// offsets are untouched; readers skip the gap. Returns the number
	// removed.
	Prune(channelID string, cutoff time.Time) (int, error)

	// Truncate destroys all stored events for the channel.
	Truncate(channelID string) error
}

// BoltLog implements Log over the shared bbolt store, using the activity bus
// to wake long-poll readers on append.
type BoltLog struct {
	store *store.Store
	bus   *events.Bus
	log   *slog.Logger
}

// NewBoltLog creates a log backed by the given store.
func NewBoltLog(st *store.Store, bus *events.Bus, log *slog.Logger) *BoltLog {
	return &BoltLog{store: st, bus: bus, log: log.With("component", "durable-log")}
}

func (l *BoltLog) Append(channelID string, env *message.EventMessage) error {
	if env.LocalOffset == nil || env.GlobalOffset == nil {
		return fmt.Errorf("append without allocated offsets on channel %s", channelID)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := l.store.AppendEvent(channelID, *env.LocalOffset, data); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	l.bus.Publish(events.ChannelEvent{
		Kind:         events.KindDurableAppend,
		ChannelID:    channelID,
		GlobalOffset: *env.GlobalOffset,
	})
	return nil
}

func (l *BoltLog) ReadRange(ctx context.Context, channelID string, fromGlobal, fromLocal int64, limit int, wait time.Duration) ([]message.EventMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	// Subscribe before the first read so an append between the read and the
	// wait cannot be missed.
	var signal <-chan events.ChannelEvent
	var cancel func()
	if wait > 0 {
		signal, cancel = l.bus.Subscribe(channelID)
		defer cancel()
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		batch, err := l.readOnce(channelID, fromGlobal, fromLocal, limit)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 || wait <= 0 {
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			// Long-poll budget spent: empty batch, not an error.
			return nil, nil
		case evt, ok := <-signal:
			if !ok {
				return nil, nil
			}
			switch evt.Kind {
			case events.KindDurableAppend:
				// Re-check the log; the signal is only a hint.
			case events.KindEphemeralAppend:
				return nil, nil
			default:
				continue
			}
		}
	}
}

func (l *BoltLog) readOnce(channelID string, fromGlobal, fromLocal int64, limit int) ([]message.EventMessage, error) {
	stored, err := l.store.ReadEventsAfter(channelID, fromLocal, limit)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	var out []message.EventMessage
	for _, se := range stored {
		var env message.EventMessage
		if err := json.Unmarshal(se.Data, &env); err != nil {
			l.log.Warn("skipping corrupt event record", "channelId", channelID, "localOffset", se.LocalOffset, "error", err)
			continue
		}
		if env.GlobalOffset != nil && *env.GlobalOffset <= fromGlobal {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

func (l *BoltLog) LastOffset(channelID string) (int64, bool, error) {
	return l.store.LastEventOffset(channelID)
}

func (l *BoltLog) Prune(channelID string, cutoff time.Time) (int, error) {
	limit := cutoff.UnixMilli()
	return l.store.PruneEvents(channelID, func(data []byte) bool {
		var env struct {
			Date int64 `json:"date"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			// Corrupt records are unreadable anyway; let retention take them.
			return true
		}
		return env.Date < limit
	})
}

func (l *BoltLog) Truncate(channelID string) error {
	return l.store.TruncateEvents(channelID)
}

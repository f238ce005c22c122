// Package events provides a per-channel fan-out signal bus. Appends publish
// activity that wakes blocked long-polls and stream pushes; lifecycle events
// feed the ops notifier.
package events

import (
	"sync"
	"time"
)

// Kind identifies the kind of channel activity.
type Kind string

const (
	KindDurableAppend   Kind = "durable_append"
	KindEphemeralAppend Kind = "ephemeral_append"
	KindChannelCreated  Kind = "channel_created"
	KindChannelDeleted  Kind = "channel_deleted"
	KindSessionJoined   Kind = "session_joined"
	KindSessionLeft     Kind = "session_left"
	KindSessionReaped   Kind = "session_reaped"
)

// ChannelEvent is a single activity notification. It carries offsets and
// names, never event content.
type ChannelEvent struct {
	Kind         Kind      `json:"kind"`
	ChannelID    string    `json:"channelId"`
	AgentName    string    `json:"agentName,omitempty"`
	GlobalOffset int64     `json:"globalOffset,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

type subscriber struct {
	ch        chan ChannelEvent
	channelID string // "" subscribes to all channels
}

// Bus is a fan-out pub/sub bus keyed by channelId. Slow subscribers that
// fall behind have events dropped rather than blocking publishers; long-poll
// waiters treat a received signal as "re-check the log", so a dropped signal
// is recovered on the next poll deadline.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]subscriber
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]subscriber)}
}

// Publish sends an event to all subscribers of its channel and to all-channel
// subscribers. Non-blocking: full buffers drop the event.
func (b *Bus) Publish(evt ChannelEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.channelID != "" && sub.channelID != evt.ChannelID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel receiving future events for the given
// channelId and a cancel function that unsubscribes and closes it.
func (b *Bus) Subscribe(channelID string) (<-chan ChannelEvent, func()) {
	ch := make(chan ChannelEvent, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = subscriber{ch: ch, channelID: channelID}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// SubscribeAll returns a channel receiving events for every channel.
func (b *Bus) SubscribeAll() (<-chan ChannelEvent, func()) {
	return b.Subscribe("")
}

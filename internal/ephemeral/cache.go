// Package ephemeral holds the in-memory TTL cache for fire-and-forget events.
// Entries live per channel, expire after a configured age, and are dropped
// oldest-first when a channel exceeds its capacity. Nothing here survives a
// restart.
package ephemeral

import (
	"sync"
	"time"

	"github.com/hmdev/channelmesh/internal/events"
	"github.com/hmdev/channelmesh/internal/message"
)

// defaultMaxPerChannel bounds each channel's cache when no explicit capacity
// is configured.
const defaultMaxPerChannel = 1024

type entry struct {
	seq      int64
	storedAt time.Time
	env      message.EventMessage
}

// Cache is the ephemeral event cache for all channels. Each stored event is
// tagged with a process-wide monotonic sequence number; readers track the last
// sequence they consumed so every event is handed to a session at most once.
type Cache struct {
	mu       sync.Mutex
	channels map[string][]entry
	seq      int64

	ttl           time.Duration
	maxPerChannel int
	bus           *events.Bus
}

// New creates a cache whose entries expire after ttl. maxPerChannel <= 0
// selects the default capacity.
func New(ttl time.Duration, maxPerChannel int, bus *events.Bus) *Cache {
	if maxPerChannel <= 0 {
		maxPerChannel = defaultMaxPerChannel
	}
	return &Cache{
		channels:      make(map[string][]entry),
		ttl:           ttl,
		maxPerChannel: maxPerChannel,
		bus:           bus,
	}
}

// Put stores an event and wakes any blocked readers on the channel. The
// event's offsets must already be assigned by the channel registry.
func (c *Cache) Put(channelID string, env message.EventMessage) {
	c.mu.Lock()
	c.seq++
	list := append(c.channels[channelID], entry{seq: c.seq, storedAt: time.Now(), env: env})
	if over := len(list) - c.maxPerChannel; over > 0 {
		list = list[over:]
	}
	c.channels[channelID] = list
	c.mu.Unlock()

	var global int64
	if env.GlobalOffset != nil {
		global = *env.GlobalOffset
	}
	c.bus.Publish(events.ChannelEvent{
		Kind:         events.KindEphemeralAppend,
		ChannelID:    channelID,
		AgentName:    env.From,
		GlobalOffset: global,
	})
}

// ReadSince returns all live entries with sequence > afterSeq, oldest first,
// and the highest sequence in the channel's cache so the caller can advance
// its watermark. Expired entries are skipped but not removed; the sweeper
// owns removal.
func (c *Cache) ReadSince(channelID string, afterSeq int64) ([]message.EventMessage, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.ttl)
	var out []message.EventMessage
	last := afterSeq
	for _, e := range c.channels[channelID] {
		if e.seq <= afterSeq || e.storedAt.Before(cutoff) {
			continue
		}
		out = append(out, e.env)
		last = e.seq
	}
	return out, last
}

// Sweep removes expired entries across all channels and returns the number
// removed. Channels emptied by the sweep are forgotten.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.ttl)
	swept := 0
	for id, list := range c.channels {
		// Entries are in arrival order, so expiry is a prefix.
		i := 0
		for i < len(list) && list[i].storedAt.Before(cutoff) {
			i++
		}
		swept += i
		if i == len(list) {
			delete(c.channels, id)
		} else if i > 0 {
			c.channels[id] = list[i:]
		}
	}
	return swept
}

// DropChannel discards all cached entries for a channel.
func (c *Cache) DropChannel(channelID string) {
	c.mu.Lock()
	delete(c.channels, channelID)
	c.mu.Unlock()
}

// Len reports the number of cached entries for a channel, expired or not.
func (c *Cache) Len(channelID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels[channelID])
}

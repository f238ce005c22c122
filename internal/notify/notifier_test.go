package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hmdev/channelmesh/internal/events"
)

type fakeNotifier struct {
	mu    sync.Mutex
	name  string
	fail  bool
	seen  []events.ChannelEvent
	calls int
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Send(_ context.Context, event events.ChannelEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return errors.New("boom")
	}
	f.seen = append(f.seen, event)
	return nil
}

func (f *fakeNotifier) snapshot() []events.ChannelEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.ChannelEvent(nil), f.seen...)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func TestMultiFansOut(t *testing.T) {
	a := &fakeNotifier{name: "a"}
	b := &fakeNotifier{name: "b"}
	m := NewMulti(nopLogger{}, a, b)

	evt := events.ChannelEvent{Kind: events.KindChannelCreated, ChannelID: "ch_1"}
	if !m.Notify(context.Background(), evt) {
		t.Fatal("Notify reported failure with healthy notifiers")
	}
	if len(a.snapshot()) != 1 || len(b.snapshot()) != 1 {
		t.Errorf("fan-out counts = %d, %d", len(a.snapshot()), len(b.snapshot()))
	}
}

func TestMultiPartialFailureStillSucceeds(t *testing.T) {
	bad := &fakeNotifier{name: "bad", fail: true}
	good := &fakeNotifier{name: "good"}
	m := NewMulti(nopLogger{}, bad, good)

	if !m.Notify(context.Background(), events.ChannelEvent{Kind: events.KindSessionJoined}) {
		t.Error("Notify should succeed while one notifier works")
	}

	m.Reconfigure(bad)
	if m.Notify(context.Background(), events.ChannelEvent{Kind: events.KindSessionJoined}) {
		t.Error("Notify should fail when every notifier fails")
	}
}

func TestMultiEmptyIsSuccess(t *testing.T) {
	m := NewMulti(nopLogger{})
	if !m.Notify(context.Background(), events.ChannelEvent{Kind: events.KindChannelDeleted}) {
		t.Error("empty dispatcher should report success")
	}
}

func TestFilteredNotifier(t *testing.T) {
	inner := &fakeNotifier{name: "inner"}
	f := NewFiltered(inner, []string{string(events.KindSessionReaped)})

	_ = f.Send(context.Background(), events.ChannelEvent{Kind: events.KindSessionJoined})
	_ = f.Send(context.Background(), events.ChannelEvent{Kind: events.KindSessionReaped})

	seen := inner.snapshot()
	if len(seen) != 1 || seen[0].Kind != events.KindSessionReaped {
		t.Errorf("filtered events = %+v", seen)
	}

	t.Run("empty filter passes everything", func(t *testing.T) {
		inner := &fakeNotifier{name: "inner"}
		f := NewFiltered(inner, nil)
		_ = f.Send(context.Background(), events.ChannelEvent{Kind: events.KindSessionJoined})
		if len(inner.snapshot()) != 1 {
			t.Error("event not forwarded")
		}
	})
}

func TestWebhookPostsEvent(t *testing.T) {
	var got events.ChannelEvent
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, map[string]string{"Authorization": "Bearer tok"})
	err := wh.Send(context.Background(), events.ChannelEvent{
		Kind:      events.KindChannelCreated,
		ChannelID: "ch_abc",
		AgentName: "alice",
	})
	if err != nil {
		t.Fatalf("webhook send failed: %v", err)
	}
	if got.Kind != events.KindChannelCreated || got.ChannelID != "ch_abc" {
		t.Errorf("posted event = %+v", got)
	}
	if auth != "Bearer tok" {
		t.Errorf("auth header = %q", auth)
	}
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL, nil).Send(context.Background(), events.ChannelEvent{}); err == nil {
		t.Error("502 should surface as an error")
	}
}

func TestWatcherForwardsLifecycleOnly(t *testing.T) {
	bus := events.New()
	sink := &fakeNotifier{name: "sink"}
	w := NewWatcher(bus, NewMulti(nopLogger{}, sink))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the subscriber a moment to attach before publishing.
	time.Sleep(20 * time.Millisecond)

	bus.Publish(events.ChannelEvent{Kind: events.KindDurableAppend, ChannelID: "ch_1"})
	bus.Publish(events.ChannelEvent{Kind: events.KindChannelCreated, ChannelID: "ch_1"})
	bus.Publish(events.ChannelEvent{Kind: events.KindEphemeralAppend, ChannelID: "ch_1"})
	bus.Publish(events.ChannelEvent{Kind: events.KindSessionReaped, ChannelID: "ch_1", AgentName: "idle"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		seen := sink.snapshot()
		if len(seen) >= 2 {
			if seen[0].Kind != events.KindChannelCreated || seen[1].Kind != events.KindSessionReaped {
				t.Errorf("forwarded kinds = %v, %v", seen[0].Kind, seen[1].Kind)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("lifecycle events never forwarded, got %+v", seen)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

package session

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hmdev/channelmesh/internal/events"
	"github.com/hmdev/channelmesh/internal/message"
)

func newTestManager() *Manager {
	return NewManager(events.New(), slog.Default())
}

func TestConnectAndGet(t *testing.T) {
	m := newTestManager()

	s, err := m.Connect("ch_1", message.AgentInfo{AgentName: "alice", Role: "client"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if len(s.ID) != 32 {
		t.Errorf("session id %q is not 32 hex chars", s.ID)
	}
	if s.Info.ConnectionTime == 0 {
		t.Error("connectionTime not assigned")
	}

	got, ok := m.Get(s.ID)
	if !ok || got.AgentName() != "alice" {
		t.Errorf("Get returned (%v, %v)", got, ok)
	}
	if _, ok := m.Get("deadbeef"); ok {
		t.Error("Get found a nonexistent session")
	}
}

func TestNameConflict(t *testing.T) {
	m := newTestManager()

	if _, err := m.Connect("ch_1", message.AgentInfo{AgentName: "alice"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	_, err := m.Connect("ch_1", message.AgentInfo{AgentName: "alice"})
	if !errors.Is(err, ErrNameConflict) {
		t.Errorf("duplicate connect: err = %v, want ErrNameConflict", err)
	}

	// Same name in another channel is fine.
	if _, err := m.Connect("ch_2", message.AgentInfo{AgentName: "alice"}); err != nil {
		t.Errorf("cross-channel connect failed: %v", err)
	}
}

func TestConnectionTimeMonotonicPerChannel(t *testing.T) {
	m := newTestManager()

	var last int64
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		s, err := m.Connect("ch_1", message.AgentInfo{AgentName: name})
		if err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		if s.Info.ConnectionTime <= last {
			t.Errorf("connectionTime %d not after %d", s.Info.ConnectionTime, last)
		}
		last = s.Info.ConnectionTime
	}
}

func TestDisconnect(t *testing.T) {
	m := newTestManager()
	s, _ := m.Connect("ch_1", message.AgentInfo{AgentName: "alice"})

	got, ok := m.Disconnect(s.ID)
	if !ok || got.AgentName() != "alice" {
		t.Fatalf("Disconnect returned (%v, %v)", got, ok)
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after disconnect")
	}

	if _, ok := m.Get(s.ID); ok {
		t.Error("session still reachable after disconnect")
	}
	// Idempotent.
	if _, ok := m.Disconnect(s.ID); ok {
		t.Error("second disconnect reported a session")
	}
	// Name is free again.
	if _, err := m.Connect("ch_1", message.AgentInfo{AgentName: "alice"}); err != nil {
		t.Errorf("reconnect after disconnect failed: %v", err)
	}
}

func TestRosterAndHostElection(t *testing.T) {
	m := newTestManager()
	m.Connect("ch_1", message.AgentInfo{AgentName: "bob", Role: "client"})
	m.Connect("ch_1", message.AgentInfo{AgentName: "alice", Role: "client"})
	m.EnsureSystemAgent("ch_1", "system-webrtc-relay", "system-relay")

	roster := m.Roster("ch_1")
	if len(roster) != 2 {
		t.Fatalf("roster has %d agents, want 2 (system excluded)", len(roster))
	}
	if roster[0].AgentName != "bob" {
		t.Errorf("roster[0] = %s, want bob (earliest connect)", roster[0].AgentName)
	}

	host := message.HostAgent(roster)
	if host == nil || host.AgentName != "bob" {
		t.Errorf("host = %v, want bob", host)
	}

	sys := m.SystemRoster("ch_1")
	if len(sys) != 1 || sys[0].AgentName != "system-webrtc-relay" {
		t.Errorf("system roster = %v", sys)
	}
}

func TestEnsureSystemAgentIdempotent(t *testing.T) {
	m := newTestManager()

	s1, err := m.EnsureSystemAgent("ch_1", "system-webrtc-relay", "system-relay")
	if err != nil {
		t.Fatalf("EnsureSystemAgent failed: %v", err)
	}
	s2, err := m.EnsureSystemAgent("ch_1", "system-webrtc-relay", "system-relay")
	if err != nil {
		t.Fatalf("second EnsureSystemAgent failed: %v", err)
	}
	if s1.ID != s2.ID {
		t.Error("ensure created a second session for the same agent")
	}
}

func TestReapIdle(t *testing.T) {
	m := newTestManager()
	idle, _ := m.Connect("ch_1", message.AgentInfo{AgentName: "idle"})
	active, _ := m.Connect("ch_1", message.AgentInfo{AgentName: "active"})
	m.EnsureSystemAgent("ch_1", "system-webrtc-relay", "system-relay")

	time.Sleep(20 * time.Millisecond)
	active.Touch()

	reaped := m.ReapIdle(time.Now().Add(-10 * time.Millisecond))
	if len(reaped) != 1 || reaped[0].AgentName() != "idle" {
		t.Fatalf("reaped = %v, want only idle", reaped)
	}
	if _, ok := m.Get(idle.ID); ok {
		t.Error("reaped session still reachable")
	}
	if _, ok := m.Get(active.ID); !ok {
		t.Error("active session was reaped")
	}
	if len(m.SystemRoster("ch_1")) != 1 {
		t.Error("system session was reaped")
	}
}

func TestDropChannel(t *testing.T) {
	m := newTestManager()
	a, _ := m.Connect("ch_1", message.AgentInfo{AgentName: "alice"})
	m.Connect("ch_1", message.AgentInfo{AgentName: "bob"})
	other, _ := m.Connect("ch_2", message.AgentInfo{AgentName: "carol"})

	dropped := m.DropChannel("ch_1")
	if len(dropped) != 2 {
		t.Fatalf("dropped %d sessions, want 2", len(dropped))
	}
	if _, ok := m.Get(a.ID); ok {
		t.Error("session survived channel drop")
	}
	if _, ok := m.Get(other.ID); !ok {
		t.Error("unrelated channel's session was dropped")
	}
}

func TestEphemeralWatermark(t *testing.T) {
	m := newTestManager()
	s, _ := m.Connect("ch_1", message.AgentInfo{AgentName: "alice"})

	s.AdvanceEphemeralWatermark(10)
	if w := s.EphemeralWatermark(); w != 10 {
		t.Errorf("watermark = %d, want 10", w)
	}
	// Stale advances are ignored.
	s.AdvanceEphemeralWatermark(5)
	if w := s.EphemeralWatermark(); w != 10 {
		t.Errorf("watermark = %d after stale advance, want 10", w)
	}
}

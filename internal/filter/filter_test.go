package filter

import (
	"testing"

	"github.com/hmdev/channelmesh/internal/message"
)

func agent(name, role string, meta map[string]string) *message.AgentInfo {
	return &message.AgentInfo{AgentName: name, Role: role, Metadata: meta}
}

func mustParse(t *testing.T, input string) Expression {
	t.Helper()
	expr, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", input, err)
	}
	if expr == nil {
		t.Fatalf("Parse(%q) returned nil expression", input)
	}
	return expr
}

func TestSimpleRoleFilter(t *testing.T) {
	relay := agent("relay-1", "webrtc-relay", nil)

	if !mustParse(t, "role=webrtc-relay").Evaluate(relay) {
		t.Error("role=webrtc-relay should match relay agent")
	}
	if mustParse(t, "role=client").Evaluate(relay) {
		t.Error("role=client should not match relay agent")
	}
}

func TestOrExpression(t *testing.T) {
	expr := mustParse(t, "role=webrtc-relay || role=client")

	if !expr.Evaluate(agent("relay-1", "webrtc-relay", nil)) {
		t.Error("should match relay")
	}
	if !expr.Evaluate(agent("user-1", "client", nil)) {
		t.Error("should match client")
	}
	if expr.Evaluate(agent("bot-1", "bot", nil)) {
		t.Error("should not match bot")
	}
}

func TestAndBindsTighterThanOr(t *testing.T) {
	// a=1 || b=2 && c=3 parses as a=1 || (b=2 && c=3)
	expr := mustParse(t, "role=admin || role=client && status=active")

	if !expr.Evaluate(agent("x", "admin", nil)) {
		t.Error("admin alone should match")
	}
	if expr.Evaluate(agent("x", "client", nil)) {
		t.Error("client without status should not match")
	}
	if !expr.Evaluate(agent("x", "client", map[string]string{"status": "active"})) {
		t.Error("active client should match")
	}
}

func TestNotExpression(t *testing.T) {
	expr := mustParse(t, "!role=bot")

	if !expr.Evaluate(agent("user-1", "client", nil)) {
		t.Error("!role=bot should match client")
	}
	if expr.Evaluate(agent("bot-1", "bot", nil)) {
		t.Error("!role=bot should not match bot")
	}
}

func TestNotEquals(t *testing.T) {
	expr := mustParse(t, "role!=bot")

	if !expr.Evaluate(agent("user-1", "client", nil)) {
		t.Error("role!=bot should match client")
	}
	if expr.Evaluate(agent("bot-1", "bot", nil)) {
		t.Error("role!=bot should not match bot")
	}
}

func TestNullSemantics(t *testing.T) {
	anon := agent("user-1", "", nil)

	if mustParse(t, "role=client").Evaluate(anon) {
		t.Error("= against absent key should be false")
	}
	if !mustParse(t, "role!=client").Evaluate(anon) {
		t.Error("!= against absent key should be true")
	}
	if mustParse(t, "region=eu").Evaluate(anon) {
		t.Error("= against absent metadata key should be false")
	}
}

func TestWildcardMatching(t *testing.T) {
	admin := agent("admin-master", "", nil)

	cases := []struct {
		filter string
		want   bool
	}{
		{"name=admin*", true},
		{"name=*master", true},
		{"name=*min-mas*", true},
		{"name=admin-master", true},
		{"name=admin", false},
		{"name=*bot*", false},
		{"name=*", true},
		{"name=a*r", true},
	}
	for _, tc := range cases {
		t.Run(tc.filter, func(t *testing.T) {
			if got := mustParse(t, tc.filter).Evaluate(admin); got != tc.want {
				t.Errorf("%s on admin-master = %v, want %v", tc.filter, got, tc.want)
			}
		})
	}
}

func TestTagMatching(t *testing.T) {
	user := agent("user-1", "client", map[string]string{"tags": "premium,video"})

	if !mustParse(t, "tags=*premium*").Evaluate(user) {
		t.Error("tags=*premium* should match")
	}
	if mustParse(t, "tags=*basic*").Evaluate(user) {
		t.Error("tags=*basic* should not match")
	}
}

func TestComplexExpression(t *testing.T) {
	relay := agent("relay-1", "webrtc-relay", map[string]string{
		"status":  "active",
		"version": "2.1.0",
	})

	expr := mustParse(t, "(role=webrtc-relay || role=cleanup) && status=active")
	if !expr.Evaluate(relay) {
		t.Error("grouped expression should match active relay")
	}

	if !mustParse(t, "version=2*").Evaluate(relay) {
		t.Error("version=2* should match 2.1.0")
	}

	inactive := agent("relay-2", "webrtc-relay", map[string]string{"status": "idle"})
	if expr.Evaluate(inactive) {
		t.Error("grouped expression should not match idle relay")
	}
}

func TestEmptyFilterIsBroadcast(t *testing.T) {
	for _, input := range []string{"", "   "} {
		expr, err := Parse(input)
		if err != nil {
			t.Errorf("Parse(%q) error: %v", input, err)
		}
		if expr != nil {
			t.Errorf("Parse(%q) should return nil expression", input)
		}
	}
}

func TestInvalidFilter(t *testing.T) {
	for _, input := range []string{
		"role=",
		"=client",
		"role",
		"role==client",
		"(role=client",
		"role=client &&",
		"role=client ) extra",
	} {
		t.Run(input, func(t *testing.T) {
			if _, err := Parse(input); err == nil {
				t.Errorf("Parse(%q) should fail", input)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("role=client && !name=bot*"); err != nil {
		t.Errorf("valid filter rejected: %v", err)
	}
	if err := Validate("role="); err == nil {
		t.Error("invalid filter accepted")
	}
}

package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PollSource hints how long a receive may block waiting for durable events.
type PollSource int

const (
	// PollAuto blocks with exponential backoff on repeated empty replies.
	PollAuto PollSource = iota
	// PollBlocking blocks for the full long-poll budget.
	PollBlocking
	// Poll returns immediately.
	Poll
)

var pollSourceNames = map[PollSource]string{
	PollAuto:     "AUTO",
	PollBlocking: "BLOCKING",
	Poll:         "POLL",
}

func (p PollSource) String() string {
	if n, ok := pollSourceNames[p]; ok {
		return n
	}
	return "AUTO"
}

// MarshalJSON encodes the poll source in its wire form.
func (p PollSource) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts the wire form case-insensitively; unknown values
// fall back to AUTO, matching the lenient handling of legacy clients.
func (p *PollSource) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToUpper(s) {
	case "BLOCKING":
		*p = PollBlocking
	case "POLL":
		*p = Poll
	default:
		*p = PollAuto
	}
	return nil
}

// ReceiveConfig is the caller's read position and limits for a receive call.
// Nil offsets mean "from the start of the current channel instance".
type ReceiveConfig struct {
	GlobalOffset *int64     `json:"globalOffset,omitempty"`
	LocalOffset  *int64     `json:"localOffset,omitempty"`
	Limit        *int       `json:"limit,omitempty"`
	PollSource   PollSource `json:"pollSource"`
}

// EventMessageResult is the payload returned by receive: the filtered durable
// batch, the filtered ephemeral batch, and the offsets to poll from next.
type EventMessageResult struct {
	Events           []EventMessage `json:"events"`
	EphemeralEvents  []EventMessage `json:"ephemeralEvents"`
	NextGlobalOffset *int64         `json:"nextGlobalOffset,omitempty"`
	NextLocalOffset  *int64         `json:"nextLocalOffset,omitempty"`
}

// ChannelStateDto is the channel state snapshot returned to clients. The
// password field carries only the stored hash and only to authorized callers.
type ChannelStateDto struct {
	TopicName       string `json:"topicName,omitempty"`
	ChannelID       string `json:"channelId"`
	ChannelName     string `json:"channelName,omitempty"`
	ChannelPassword string `json:"channelPassword,omitempty"`

	GlobalOffset *int64 `json:"globalOffset,omitempty"`
	LocalOffset  *int64 `json:"localOffset,omitempty"`

	// Offsets at channel (re)creation, so clients can read "from the start
	// of this instance" and detect log recreation.
	OriginalGlobalOffset *int64 `json:"originalGlobalOffset,omitempty"`
	OriginalLocalOffset  *int64 `json:"originalLocalOffset,omitempty"`

	PublicChannel     bool     `json:"publicChannel"`
	AllowedAgentNames []string `json:"allowedAgentsNames,omitempty"`

	AgeMs int64 `json:"ageMs,omitempty"`
}

// IceServerConfig is a STUN/TURN endpoint handed to clients on connect.
type IceServerConfig struct {
	URLs       string `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// ParseIceServers parses the config form: comma-separated entries, each
// "url" or "url|username|credential".
func ParseIceServers(s string) []IceServerConfig {
	if s == "" {
		return nil
	}
	var servers []IceServerConfig
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "|", 3)
		srv := IceServerConfig{URLs: parts[0]}
		if len(parts) > 1 {
			srv.Username = parts[1]
		}
		if len(parts) > 2 {
			srv.Credential = parts[2]
		}
		servers = append(servers, srv)
	}
	return servers
}

// ConnectRequest is the transport-level connect payload.
type ConnectRequest struct {
	DevAPIKey   string `json:"devApiKey,omitempty"`
	APIKeyScope string `json:"apiKeyScope,omitempty"`

	ChannelID       string `json:"channelId,omitempty"`
	ChannelName     string `json:"channelName,omitempty"`
	ChannelPassword string `json:"channelPassword,omitempty"` // hashed client-side

	AgentName    string            `json:"agentName"`
	AgentContext map[string]string `json:"agentContext,omitempty"`

	EnableWebrtcRelay bool `json:"enableWebrtcRelay,omitempty"`
}

// ConnectResponse is the payload returned on a successful connect.
type ConnectResponse struct {
	SessionID  string            `json:"sessionId"`
	ChannelID  string            `json:"channelId"`
	Date       int64             `json:"date"`
	State      ChannelStateDto   `json:"state"`
	IceServers []IceServerConfig `json:"iceServers,omitempty"`
}

// ChannelOffsetInfo is the admin projection used by the registry self-check.
type ChannelOffsetInfo struct {
	ChannelID         string `json:"channelId"`
	CacheLocalCounter int64  `json:"cacheLocalCounter"`
	DBLocalOffset     int64  `json:"dbLocalOffset"`
	DBGlobalOffset    int64  `json:"dbGlobalOffset"`
	LogLastOffset     int64  `json:"logLastOffset"`
}

// StatusResponse reports session and channel health for the status operation.
type StatusResponse struct {
	SessionID      string            `json:"sessionId"`
	AgentName      string            `json:"agentName"`
	ChannelID      string            `json:"channelId"`
	ConnectionTime int64             `json:"connectionTime"`
	LastSeen       int64             `json:"lastSeen"`
	ActiveAgents   int               `json:"activeAgents"`
	Offsets        ChannelOffsetInfo `json:"offsets"`
}

// Int64Ptr returns a pointer to v; convenience for optional offset fields.
func Int64Ptr(v int64) *int64 { return &v }

// FormatOffsets renders an offset pair for log fields without risking a nil
// dereference.
func FormatOffsets(g, l *int64) string {
	gs, ls := "nil", "nil"
	if g != nil {
		gs = fmt.Sprintf("%d", *g)
	}
	if l != nil {
		ls = fmt.Sprintf("%d", *l)
	}
	return gs + "/" + ls
}

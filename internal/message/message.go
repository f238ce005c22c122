// Package message defines the wire model shared by the broker core and its
// transports: events, agent descriptors, receive configuration, and the DTOs
// returned by the service operations.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType identifies the kind of event flowing through a channel.
type EventType int

const (
	ChatText EventType = iota
	Connect
	Disconnect
	UDPData
	Custom
	PasswordRequest
	PasswordReply
	WebrtcSignaling
	File
)

var eventTypeNames = map[EventType]string{
	ChatText:        "chat-text",
	Connect:         "connect",
	Disconnect:      "disconnect",
	UDPData:         "udp-data",
	Custom:          "custom",
	PasswordRequest: "password-request",
	PasswordReply:   "password-reply",
	WebrtcSignaling: "webrtc-signaling",
	File:            "file",
}

var eventTypeValues = func() map[string]EventType {
	m := make(map[string]EventType, len(eventTypeNames))
	for t, n := range eventTypeNames {
		m[n] = t
	}
	return m
}()

// String returns the wire form: lowercase with hyphens.
func (t EventType) String() string {
	if n, ok := eventTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("event-type-%d", int(t))
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := eventTypeNames[t]
	return ok
}

// AlwaysDelivered reports whether events of this type bypass the session's
// customEventType filter. Joins, leaves, chat and signaling are always
// visible; everything else is application traffic that may be filtered.
func (t EventType) AlwaysDelivered() bool {
	switch t {
	case Connect, Disconnect, ChatText, WebrtcSignaling:
		return true
	case Custom, UDPData, PasswordRequest, PasswordReply, File:
		return false
	default:
		return true
	}
}

// MarshalJSON encodes the type in its wire form.
func (t EventType) MarshalJSON() ([]byte, error) {
	n, ok := eventTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown event type %d", int(t))
	}
	return json.Marshal(n)
}

// UnmarshalJSON accepts the wire form; unknown values are an error so that
// transports can reject them as bad requests.
func (t *EventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := eventTypeValues[strings.ToLower(s)]
	if !ok {
		return fmt.Errorf("unknown event type %q", s)
	}
	*t = v
	return nil
}

// ParseEventType parses the wire form of an event type.
func ParseEventType(s string) (EventType, bool) {
	t, ok := eventTypeValues[strings.ToLower(s)]
	return t, ok
}

// EventMessage is a single event routed through a channel. The broker never
// parses or transforms Content; routing uses only To, Filter, Type and
// CustomType.
type EventMessage struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Filter targets recipients by expression over AgentInfo fields.
	// Mutually exclusive with To.
	Filter string `json:"filter,omitempty"`

	Type EventType `json:"type"`

	// CustomType subdivides Custom events so multiple applications can share
	// one channel and subscribe to their own traffic.
	CustomType string `json:"customType,omitempty"`

	Encrypted bool   `json:"encrypted"`
	Content   string `json:"content"`
	Date      int64  `json:"date"`

	LocalOffset  *int64 `json:"localOffset,omitempty"`
	GlobalOffset *int64 `json:"globalOffset,omitempty"`

	// Ephemeral events skip the durable log: cache-only storage, short TTL,
	// at-most-once delivery per session.
	Ephemeral bool `json:"ephemeral,omitempty"`
}

// AgentInfo describes a channel participant as exposed through the roster.
type AgentInfo struct {
	AgentName  string `json:"agentName"`
	AgentType  string `json:"agentType,omitempty"`
	Descriptor string `json:"descriptor,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`

	// ConnectionTime is the server-assigned join timestamp in milliseconds.
	// The live agent with the earliest value is the channel host.
	ConnectionTime int64 `json:"connectionTime,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
	Role     string            `json:"role,omitempty"`

	// CustomEventType is a comma-separated list of custom types this agent
	// subscribes to. Empty means all.
	CustomEventType string `json:"customEventType,omitempty"`

	RestrictedCapabilities []string `json:"restrictedCapabilities,omitempty"`
}

// Get resolves a flat filter key against the agent: first-class fields by
// name, everything else through the metadata map. Missing keys return "".
func (a *AgentInfo) Get(key string) string {
	switch key {
	case "name", "agentName":
		return a.AgentName
	case "agentType":
		return a.AgentType
	case "descriptor":
		return a.Descriptor
	case "ipAddress", "ip_address":
		return a.IPAddress
	case "connectionTime":
		if a.ConnectionTime == 0 {
			return ""
		}
		return fmt.Sprintf("%d", a.ConnectionTime)
	case "role":
		return a.Role
	default:
		if a.Metadata == nil {
			return ""
		}
		return a.Metadata[key]
	}
}

// SubscribesTo reports whether the agent's customEventType list covers the
// given custom type. An empty list subscribes to everything.
func (a *AgentInfo) SubscribesTo(customType string) bool {
	if a.CustomEventType == "" {
		return true
	}
	for _, t := range strings.Split(a.CustomEventType, ",") {
		if strings.TrimSpace(t) == customType {
			return true
		}
	}
	return false
}

// FromContextMap builds an AgentInfo from the connect request's agentContext
// map. Well-known keys become first-class fields; the rest stay as metadata.
func FromContextMap(agentName string, agentContext map[string]string, role string) AgentInfo {
	info := AgentInfo{AgentName: agentName, Role: role}
	if agentContext == nil {
		return info
	}
	meta := make(map[string]string, len(agentContext))
	for k, v := range agentContext {
		switch k {
		case "agentType":
			info.AgentType = v
		case "descriptor":
			info.Descriptor = v
		case "ipAddress", "ip_address":
			info.IPAddress = v
		case "customEventType":
			info.CustomEventType = v
		default:
			meta[k] = v
		}
	}
	if len(meta) > 0 {
		info.Metadata = meta
	}
	return info
}

// HostAgent returns the agent that every client should compute as the channel
// host: earliest connectionTime, ties broken by agentName. Returns nil for an
// empty roster.
func HostAgent(roster []AgentInfo) *AgentInfo {
	var host *AgentInfo
	for i := range roster {
		a := &roster[i]
		if host == nil {
			host = a
			continue
		}
		if a.ConnectionTime < host.ConnectionTime ||
			(a.ConnectionTime == host.ConnectionTime && a.AgentName < host.AgentName) {
			host = a
		}
	}
	return host
}

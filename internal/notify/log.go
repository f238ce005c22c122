package notify

import (
	"context"

	"github.com/hmdev/channelmesh/internal/events"
)

// LogNotifier writes every event as a structured log line. It is always
// enabled and serves as a guaranteed notification record.
type LogNotifier struct {
	log Logger
}

// NewLogNotifier creates a notifier that logs events using structured logging.
func NewLogNotifier(log Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Name returns the provider name for logging.
func (l *LogNotifier) Name() string { return "log" }

// Send writes the event fields as structured key-value pairs at Info level.
func (l *LogNotifier) Send(_ context.Context, event events.ChannelEvent) error {
	l.log.Info("lifecycle event",
		"kind", string(event.Kind),
		"channelId", event.ChannelID,
		"agentName", event.AgentName,
		"timestamp", event.Timestamp.String(),
	)
	return nil
}

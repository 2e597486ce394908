// Package notify forwards HIGH-severity allocation events to Slack, mirroring
// the way the on-call stack's alert notifier posts to a fixed channel: a thin
// client wrapper that no-ops when no bot token is configured.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// SlackNotifier posts a line to a fixed Slack channel for every HIGH-severity
// event the allocation engine emits (capacity overrides, the only event it
// emits at HIGH severity).
type SlackNotifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackNotifier builds a SlackNotifier. If botToken is empty, the
// notifier is a noop — every call logs at debug and returns nil.
func NewSlackNotifier(botToken, channel string, logger *slog.Logger) *SlackNotifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackNotifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a real Slack client wired up.
func (n *SlackNotifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PostHighSeverity sends a short summary line for a HIGH-severity event.
func (n *SlackNotifier) PostHighSeverity(ctx context.Context, eventType, tokenID, correlationID string, metadata map[string]any) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping high-severity event",
			"event_type", eventType, "token_id", tokenID)
		return nil
	}

	text := fmt.Sprintf(":rotating_light: %s — token %s (correlation %s) %v", eventType, tokenID, correlationID, metadata)
	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting high-severity event to slack: %w", err)
	}

	n.logger.Info("posted high-severity event to slack", "event_type", eventType, "token_id", tokenID)
	return nil
}

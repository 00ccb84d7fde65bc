package services

import (
	"context"
	"fmt"

	"adpilot/internal/config"
	"adpilot/internal/models"

	"github.com/slack-go/slack"
)

// SlackNotifier forwards selected notification types to a Slack incoming
// webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	types      map[string]bool
	post       func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

func NewSlackNotifier(cfg config.SlackConfig) *SlackNotifier {
	types := make(map[string]bool, len(cfg.Types))
	for _, t := range cfg.Types {
		types[t] = true
	}
	return &SlackNotifier{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		types:      types,
		post:       slack.PostWebhookContext,
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, note *models.InAppNotification) error {
	if len(n.types) > 0 && !n.types[note.Type] {
		return nil
	}
	msg := &slack.WebhookMessage{
		Channel: n.channel,
		Text:    fmt.Sprintf("[%s] %s", note.TenantID, note.Title),
		Attachments: []slack.Attachment{{
			Color:  slackColor(note.Type),
			Text:   note.Message,
			Footer: note.Type,
		}},
	}
	if err := n.post(ctx, n.webhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

func slackColor(notificationType string) string {
	switch notificationType {
	case NotificationActionFailed, NotificationDeadLetter:
		return "danger"
	case NotificationApprovalRequired:
		return "warning"
	default:
		return "good"
	}
}

// MultiNotifier fans a notification out to every sink. All sinks are tried;
// the first error is returned.
type MultiNotifier []NotificationSink

func (m MultiNotifier) Notify(ctx context.Context, n *models.InAppNotification) error {
	var first error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ NotificationSink = (*SlackNotifier)(nil)
	_ NotificationSink = MultiNotifier(nil)
)

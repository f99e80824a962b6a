package alert

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/dukapos/opscore/pkg/types"
)

// Slack delivers alerts to a Slack incoming webhook.
type Slack struct {
	webhookURL string
}

// NewSlack creates a Slack transport.
func NewSlack(webhookURL string) *Slack {
	return &Slack{webhookURL: webhookURL}
}

// Notify posts the alert as a Slack attachment colored by severity.
func (s *Slack) Notify(ctx context.Context, a Alert) error {
	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color: severityColor(a.Severity),
			Title: fmt.Sprintf("[%s] %s", a.Severity, a.Title),
			Text:  a.Body,
		}},
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook failed: %w", err)
	}
	return nil
}

func severityColor(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "danger"
	case types.SeverityHigh:
		return "warning"
	default:
		return "#439FE0"
	}
}

package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dukapos/opscore/pkg/types"
)

const pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

// PagerDuty delivers CRITICAL alerts through the Events API v2. Lower
// severities are dropped silently; paging on every MEDIUM would be noise.
type PagerDuty struct {
	routingKey string
	url        string
	client     *http.Client
}

// NewPagerDuty creates a PagerDuty transport.
func NewPagerDuty(routingKey string) *PagerDuty {
	return &PagerDuty{
		routingKey: routingKey,
		url:        pagerDutyEventsURL,
		client:     &http.Client{Timeout: webhookTimeout},
	}
}

type pagerDutyEvent struct {
	RoutingKey  string           `json:"routing_key"`
	EventAction string           `json:"event_action"`
	Payload     pagerDutyPayload `json:"payload"`
}

type pagerDutyPayload struct {
	Summary  string `json:"summary"`
	Source   string `json:"source"`
	Severity string `json:"severity"`
}

// Notify enqueues a trigger event for CRITICAL alerts.
func (p *PagerDuty) Notify(ctx context.Context, a Alert) error {
	if a.Severity != types.SeverityCritical {
		return nil
	}

	event := pagerDutyEvent{
		RoutingKey:  p.routingKey,
		EventAction: "trigger",
		Payload: pagerDutyPayload{
			Summary:  fmt.Sprintf("%s: %s", a.Title, a.Body),
			Source:   "opscore",
			Severity: "critical",
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode pagerduty event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build pagerduty request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pagerduty request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("pagerduty returned status %d", resp.StatusCode)
	}
	return nil
}

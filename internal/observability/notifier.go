package observability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// slackTimeLayout renders timestamps in notifications.
const slackTimeLayout = "2006-01-02 15:04 UTC"

// Notifier sends alerts and dispatch failures to an external channel.
type Notifier interface {
	Notify(alerts []Alert) error
	// NotifyDispatchFailed satisfies core.FailureNotifier.
	NotifyDispatchFailed(taskID, dispatchID string, cause error) error
}

// slackNotifier posts Block Kit messages to an incoming webhook.
type slackNotifier struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// NewSlackNotifier creates a Notifier posting to the given Slack webhook.
func NewSlackNotifier(webhookURL string) Notifier {
	return &slackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func headerBlock(text string) slackBlock {
	return slackBlock{Type: "header", Text: &slackText{Type: "plain_text", Text: text}}
}

func markdownBlock(text string) slackBlock {
	return slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: text}}
}

var dividerBlock = slackBlock{Type: "divider"}

// Notify posts all alerts as one summary message, one section per alert.
// Nothing is sent for an empty slice.
func (s *slackNotifier) Notify(alerts []Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	msg := slackMessage{Blocks: []slackBlock{headerBlock("twd Alert Summary")}}
	for i, a := range alerts {
		if i > 0 {
			msg.Blocks = append(msg.Blocks, dividerBlock)
		}
		msg.Blocks = append(msg.Blocks, markdownBlock(fmt.Sprintf("%s *[%s]* %s\n_%s_",
			severityEmoji(a.Severity), strings.ToUpper(string(a.Severity)), a.Message,
			a.TriggeredAt.UTC().Format(slackTimeLayout))))
	}
	return s.post(msg)
}

// NotifyDispatchFailed reports a dispatch whose claim or spawn failed.
func (s *slackNotifier) NotifyDispatchFailed(taskID, dispatchID string, cause error) error {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	return s.post(slackMessage{Blocks: []slackBlock{markdownBlock(fmt.Sprintf(
		":x: *Dispatch %s failed* for task %s\n```%s```\n_%s_",
		dispatchID, taskID, reason, s.now().Format(slackTimeLayout)))}})
}

func (s *slackNotifier) post(msg slackMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding slack message: %w", err)
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("posting to slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

var severityEmojis = map[AlertSeverity]string{
	SeverityHigh:   ":red_circle:",
	SeverityMedium: ":large_yellow_circle:",
	SeverityLow:    ":large_blue_circle:",
}

func severityEmoji(severity AlertSeverity) string {
	if e, ok := severityEmojis[severity]; ok {
		return e
	}
	return ":grey_question:"
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/boardwalk/boardwalk/pkg/protocol"
)

// maxMessageLength bounds the event text posted to Slack.
const maxMessageLength = 2000

// SlackWebhook posts broadcasts to Slack incoming webhooks. Error events go
// to ErrorURL when it is set, everything else to URL.
type SlackWebhook struct {
	URL      string
	ErrorURL string
	Client   *http.Client
}

// NewSlackWebhook returns a notifier for the given webhook URLs. Either may
// be empty.
func NewSlackWebhook(url, errorURL string) *SlackWebhook {
	return &SlackWebhook{
		URL:      url,
		ErrorURL: errorURL,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

// Notify implements Notifier.
func (s *SlackWebhook) Notify(ctx context.Context, b Broadcast) error {
	url := s.URL
	if s.ErrorURL != "" && b.Event.Severity == protocol.SeverityError {
		url = s.ErrorURL
	}
	if url == "" {
		return nil
	}

	body, err := encodeSlackPayload(b)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func slackPayload(b Broadcast) (*slackMessage, error) {
	var severity string
	switch b.Event.Severity {
	case protocol.SeverityInfo:
		severity = ":large_blue_circle: INFO"
	case protocol.SeveritySuccess:
		severity = ":large_green_circle: SUCCESS"
	case protocol.SeverityError:
		severity = ":red_circle: ERROR"
	default:
		return nil, fmt.Errorf("event severity is invalid: %s", b.Event.Severity)
	}

	text := b.Event.Message
	if len(text) > maxMessageLength {
		text = fmt.Sprintf("%s\n[ ... message truncated at %d characters; see log for %d remaining character(s) ... ]",
			text[:maxMessageLength], maxMessageLength, len(text)-maxMessageLength)
	}

	return &slackMessage{Blocks: []slackBlock{
		{
			Type: "section",
			Fields: []slackText{
				{Type: "mrkdwn", Text: "*" + severity + "*"},
				{Type: "mrkdwn", Text: fmt.Sprintf("*<%s#%s|%s>*", b.ServerURL, b.Workspace, b.Workspace)},
			},
		},
		{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: "```\n" + text + "\n```"},
		},
	}}, nil
}

// encodeSlackPayload renders the webhook body. Slack link markup uses < and
// >, so HTML escaping is off.
func encodeSlackPayload(b Broadcast) ([]byte, error) {
	msg, err := slackPayload(b)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

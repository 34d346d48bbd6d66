package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/italolelis/streamgrab/internal/media"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// EventSink posts finished downloads to a Notifier. Other events are ignored.
type EventSink struct {
	Notifier Notifier
}

func (s *EventSink) Publish(ctx context.Context, ev media.Event) error {
	var content string

	switch ev.Type {
	case media.EventDownloadCompleted:
		content = fmt.Sprintf("Download completed: %s", ev.Filename)
		if ev.QualityLabel != "" {
			content += fmt.Sprintf(" (%s)", ev.QualityLabel)
		}
	case media.EventDownloadFailed:
		content = fmt.Sprintf("Download failed: %s", ev.Filename)
		if ev.Message != "" {
			content += ": " + ev.Message
		}
	default:
		return nil
	}

	return s.Notifier.Notify(ctx, content)
}

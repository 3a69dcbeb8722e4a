package machine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"crossdeck/engine"
	"crossdeck/logger"
	"crossdeck/track"
)

// Notification is the JSON body posted to the webhook.
type Notification struct {
	Event      string `json:"event"` // playing, finished or failed
	TrackID    string `json:"track_id"`
	Title      string `json:"title,omitempty"`
	URI        string `json:"uri"`
	Pipeline   string `json:"pipeline"`
	Generation uint64 `json:"generation,omitempty"`
	Error      string `json:"error,omitempty"`
}

// WebhookNotifier posts track changes to a webhook. It is an engine
// observer; posts happen on its own goroutine and are dropped when the
// webhook falls too far behind.
type WebhookNotifier struct {
	engine.NopObserver

	url     string
	logger  *slog.Logger
	client  *http.Client
	queue   chan Notification
	wg      *sync.WaitGroup
	current string
}

// NewWebhookNotifier creates a new WebhookNotifier instance
func NewWebhookNotifier(url string, timeout time.Duration, wg *sync.WaitGroup) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		logger: logger.WithComponent("webhook"),
		client: &http.Client{Timeout: timeout},
		queue:  make(chan Notification, 32),
		wg:     wg,
	}
}

// Start delivers queued notifications until ctx is done.
func (w *WebhookNotifier) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case n := <-w.queue:
				if err := w.Send(ctx, n); err != nil {
					w.logger.Warn("Failed to deliver notification",
						slog.String("event", n.Event),
						slog.Any("error", err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *WebhookNotifier) SessionChanged(s engine.Session) {
	if s.State != engine.Playing || s.Ref.ID == w.current {
		return
	}
	w.current = s.Ref.ID
	n := notification("playing", s.Ref)
	n.Generation = s.Generation
	w.enqueue(n)
}

func (w *WebhookNotifier) TrackEvent(ev engine.TrackEvent) {
	n := notification(ev.Kind.String(), ev.Ref)
	if ev.Err != nil {
		n.Error = ev.Err.Error()
	}
	w.enqueue(n)
}

func (w *WebhookNotifier) enqueue(n Notification) {
	select {
	case w.queue <- n:
	default:
		w.logger.Debug("Dropped notification", slog.String("event", n.Event))
	}
}

// Send posts one notification.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, body)
	}

	w.logger.Debug("Delivered notification",
		slog.String("event", n.Event),
		slog.String("track", n.TrackID),
		slog.Int("status", resp.StatusCode))
	return nil
}

func notification(event string, ref track.Reference) Notification {
	return Notification{
		Event:    event,
		TrackID:  ref.ID,
		Title:    ref.Title,
		URI:      ref.URI,
		Pipeline: ref.Kind.String(),
	}
}

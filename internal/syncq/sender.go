package syncq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/fieldcrew/rigshift/internal/domain"
)

// Sender delivers one event to the remote authority. A nil error means the
// authority acknowledged it.
type Sender interface {
	Send(ctx context.Context, ev domain.OutboundEvent) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ev domain.OutboundEvent) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, ev domain.OutboundEvent) error {
	return f(ctx, ev)
}

// HTTPSender POSTs each event as JSON to a fixed endpoint, paced by a token bucket.
type HTTPSender struct {
	Endpoint string
	Client   *http.Client
	limiter  *rate.Limiter
}

// NewHTTPSender creates a sender allowing perSecond requests with a burst of
// one. perSecond <= 0 disables pacing.
func NewHTTPSender(endpoint string, perSecond float64) *HTTPSender {
	lim := rate.NewLimiter(rate.Inf, 1)
	if perSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return &HTTPSender{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 10 * time.Second},
		limiter:  lim,
	}
}

// Send implements Sender. Any non-2xx response is ErrSyncFailed.
func (s *HTTPSender) Send(ctx context.Context, ev domain.OutboundEvent) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ev.ID)

	resp, err := s.Client.Do(req)
	if err != nil {
		return domain.WrapEngineError(domain.ErrSyncFailed.Code, "post event", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.NewEngineError(domain.ErrSyncFailed.Code,
			fmt.Sprintf("remote authority returned %d for %s", resp.StatusCode, ev.ID))
	}
	return nil
}

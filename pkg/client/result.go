package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/masa-finance/scan-worker/api/types"
)

// Scan is a created scan that can be polled until it settles.
type Scan struct {
	ID         string
	maxRetries int
	delay      time.Duration
	client     *Client
}

func (c *Client) newScan(id string) *Scan {
	return &Scan{ID: id, client: c, delay: c.options.PollInterval}
}

// SetMaxRetries bounds the number of polls. Zero polls until ctx is done.
func (s *Scan) SetMaxRetries(maxRetries int) {
	s.maxRetries = maxRetries
}

func (s *Scan) SetDelay(delay time.Duration) {
	s.delay = delay
}

// Status reads the scan once.
func (s *Scan) Status(ctx context.Context) (*types.ScanView, error) {
	return s.client.GetStatus(ctx, s.ID)
}

// Wait polls until the scan is completed or failed.
func (s *Scan) Wait(ctx context.Context) (*types.ScanView, error) {
	return s.WaitUntil(ctx, types.ScanView.Terminal)
}

// WaitUntil polls until done reports true for a view. Transient errors are
// retried; a 404 ends the wait.
func (s *Scan) WaitUntil(ctx context.Context, done func(types.ScanView) bool) (*types.ScanView, error) {
	var lastErr error
	for retries := 0; s.maxRetries == 0 || retries < s.maxRetries; retries++ {
		view, err := s.Status(ctx)
		if err == nil && done(*view) {
			return view, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return nil, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return nil, fmt.Errorf("max retries reached: %v", lastErr)
}

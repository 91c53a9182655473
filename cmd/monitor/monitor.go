package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"hostpanel/internal/model"
)

// Monitor polls the monitor endpoint. A failed poll is logged and the loop
// carries on with the next tick.
type Monitor struct {
	url      string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
}

func NewMonitor(url string, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{url: url, interval: interval, timeout: timeout, client: &http.Client{}}
}

func (m *Monitor) Run(ctx context.Context) error {
	log.Info().Str("url", m.url).Dur("interval", m.interval).Msg("Monitor started")

	if _, err := m.PollOnce(ctx); err != nil {
		log.Warn().Err(err).Msg("Scan failed")
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Monitor stopped")
			return nil
		case <-ticker.C:
			if _, err := m.PollOnce(ctx); err != nil {
				log.Warn().Err(err).Msg("Scan failed")
			}
		}
	}
}

// PollOnce triggers one scan and returns its summary.
func (m *Monitor) PollOnce(ctx context.Context) (model.Summary, error) {
	var summary model.Summary
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return summary, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return summary, fmt.Errorf("request monitor endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return summary, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return summary, fmt.Errorf("monitor endpoint returned %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &summary); err != nil {
		return summary, fmt.Errorf("decode summary: %w", err)
	}

	event := log.Info()
	if summary.TotalErrors > 0 {
		event = log.Warn()
	}
	event.
		Bool("skipped", summary.Skipped).
		Int("users", summary.TotalUsers).
		Int("processed", summary.TotalProcessed).
		Int("suspended", summary.TotalSuspended).
		Int("expired", summary.TotalExpired).
		Int("errors", summary.TotalErrors).
		Dur("took", time.Since(start)).
		Msg("Scan completed")
	return summary, nil
}

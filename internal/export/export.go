// Package export asks the exporter service to rewrite the dataset CSV at
// fixed times of day. The watcher picks the new file up once it lands.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/billie-coop/askdata/internal/events"
	"github.com/billie-coop/askdata/internal/metrics"
)

// request is the exporter's payload. The field name is the exporter's.
type request struct {
	Path string `json:"caminho"`
}

// clock is the time of day of a trigger, in minutes after midnight.
type clock int

// parseTimes parses "HH:MM" entries, dropping duplicates and sorting them.
func parseTimes(hours []string) ([]clock, error) {
	seen := make(map[clock]struct{}, len(hours))
	out := make([]clock, 0, len(hours))
	for _, h := range hours {
		t, err := time.Parse("15:04", h)
		if err != nil {
			return nil, fmt.Errorf("export time %q: %w", h, err)
		}
		c := clock(t.Hour()*60 + t.Minute())
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// nextAt returns the first trigger strictly after now, in now's location.
func nextAt(now time.Time, times []clock) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for day := 0; day < 2; day++ {
		base := midnight.AddDate(0, 0, day)
		for _, c := range times {
			at := base.Add(time.Duration(c) * time.Minute)
			if at.After(now) {
				return at
			}
		}
	}
	return time.Time{}
}

// Scheduler posts export requests at the configured times.
//
// Used by: main
type Scheduler struct {
	url     string
	csvPath string
	times   []clock
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
	broker  *events.Broker

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Scheduler) { s.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithBroker publishes every trigger.
func WithBroker(b *events.Broker) Option {
	return func(s *Scheduler) { s.broker = b }
}

// WithClock replaces the clock and timer, for tests.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
		s.after = after
	}
}

// New creates a scheduler. hours are "HH:MM" in local time.
func New(url, csvPath string, hours []string, opts ...Option) (*Scheduler, error) {
	times, err := parseTimes(hours)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		url:     url,
		csvPath: csvPath,
		times:   times,
		client:  &http.Client{Timeout: 2 * time.Minute},
		logger:  zap.NewNop(),
		now:     time.Now,
		after:   time.After,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run triggers exports until ctx is done. Failures are logged and the
// schedule continues.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.times) == 0 || s.url == "" {
		s.logger.Info("export schedule disabled")
		<-ctx.Done()
		return nil
	}

	for {
		next := nextAt(s.now(), s.times)
		s.logger.Debug("next export", zap.Time("at", next))
		select {
		case <-ctx.Done():
			return nil
		case <-s.after(next.Sub(s.now())):
		}
		if err := s.Trigger(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("export trigger failed", zap.Error(err))
		}
	}
}

// Trigger posts one export request.
func (s *Scheduler) Trigger(ctx context.Context) (err error) {
	defer func() {
		s.metrics.RecordExport(err)
		s.broker.Publish(events.ExportTriggeredEvent, events.DatasetPayload{Path: s.csvPath, Err: err})
	}()

	body, err := json.Marshal(request{Path: s.csvPath})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("export request: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("exporter returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	s.logger.Info("export triggered", zap.String("path", s.csvPath), zap.ByteString("response", bytes.TrimSpace(msg)))
	return nil
}

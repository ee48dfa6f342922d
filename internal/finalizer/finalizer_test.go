package finalizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billie-coop/askdata/internal/dataset"
	"github.com/billie-coop/askdata/internal/llm"
	"github.com/billie-coop/askdata/internal/registry"
	"github.com/billie-coop/askdata/internal/replies"
)

type humanizeResult struct {
	text string
	err  error
}

type fakeHumanizer struct {
	mu      sync.Mutex
	results []humanizeResult
	raws    []string
	onCall  func()
}

func (h *fakeHumanizer) Humanize(_ context.Context, question, raw string) (string, error) {
	h.mu.Lock()
	h.raws = append(h.raws, raw)
	var r humanizeResult
	if len(h.results) > 0 {
		r = h.results[0]
		h.results = h.results[1:]
	} else {
		r = humanizeResult{err: errors.New("script exhausted")}
	}
	onCall := h.onCall
	h.mu.Unlock()
	if onCall != nil {
		onCall()
	}
	return r.text, r.err
}

func (h *fakeHumanizer) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.raws)
}

type sent struct {
	kind, user, payload string
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sent
	imageErr error
}

func (s *fakeSender) SendText(_ context.Context, user, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{"text", user, text})
	return nil
}

func (s *fakeSender) SendImage(_ context.Context, user, path, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.imageErr != nil {
		return s.imageErr
	}
	s.sent = append(s.sent, sent{"image", user, path})
	return nil
}

type fakeCharts struct {
	image    string
	err      error
	rendered int
	cleaned  []string
	onRender func()
}

func (c *fakeCharts) Render(_ context.Context, _ string, _ dataset.Rows) (string, error) {
	c.rendered++
	if c.onRender != nil {
		c.onRender()
	}
	return c.image, c.err
}

func (c *fakeCharts) Cleanup(path string) error {
	c.cleaned = append(c.cleaned, path)
	return nil
}

type flag struct {
	mu        sync.Mutex
	cancelled bool
}

func (f *flag) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *flag) cancel() {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
}

type waits struct {
	got []time.Duration
}

func (w *waits) wait(_ context.Context, d time.Duration) error {
	w.got = append(w.got, d)
	return nil
}

var (
	cfg  = Config{MaxHumanizeRetries: 2, HumanizeBackoff: time.Second, MaxResultRows: 790}
	rows = dataset.Rows{Columns: []string{"total"}, Values: [][]any{{int64(42)}}}
)

func netErr() error {
	return fmt.Errorf("humanizer: %w: dial tcp: lookup api.openai.com: no such host", llm.ErrTransientNetwork)
}

func input(cp Checkpoint, chart bool) Input {
	return Input{User: "u1", Question: "total?", Rows: rows, WantChart: chart, Checkpoint: cp}
}

func TestDeliverSendsPrimaryAnswer(t *testing.T) {
	primary := &fakeHumanizer{results: []humanizeResult{{text: "The total is 42."}}}
	secondary := &fakeHumanizer{}
	sender := &fakeSender{}
	w := &waits{}
	f := New(cfg, primary, secondary, nil, sender, WithWait(w.wait))

	require.NoError(t, f.Deliver(context.Background(), input(&flag{}, false)))
	assert.Equal(t, []sent{{"text", "u1", "The total is 42."}}, sender.sent)
	assert.Equal(t, []string{`{"total":42}`}, primary.raws)
	assert.Zero(t, secondary.calls())
	assert.Empty(t, w.got)
}

func TestDeliverRetriesNetworkFailuresQuadratically(t *testing.T) {
	primary := &fakeHumanizer{results: []humanizeResult{{err: netErr()}, {err: netErr()}, {text: "ok"}}}
	sender := &fakeSender{}
	w := &waits{}
	f := New(cfg, primary, &fakeHumanizer{}, nil, sender, WithWait(w.wait))

	require.NoError(t, f.Deliver(context.Background(), input(&flag{}, false)))
	assert.Equal(t, 3, primary.calls())
	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second}, w.got)
	assert.Equal(t, "ok", sender.sent[0].payload)
}

func TestDeliverFallsBackAfterRetries(t *testing.T) {
	primary := &fakeHumanizer{results: []humanizeResult{{err: netErr()}, {err: netErr()}, {err: netErr()}, {text: "never"}}}
	secondary := &fakeHumanizer{results: []humanizeResult{{text: "from responses"}}}
	sender := &fakeSender{}
	w := &waits{}
	f := New(cfg, primary, secondary, nil, sender, WithWait(w.wait))

	require.NoError(t, f.Deliver(context.Background(), input(&flag{}, false)))
	assert.Equal(t, 3, primary.calls(), "one call plus two retries")
	assert.Equal(t, 1, secondary.calls())
	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second}, w.got)
	assert.Equal(t, []sent{{"text", "u1", "from responses"}}, sender.sent)
}

func TestDeliverNonNetworkErrorSkipsRetries(t *testing.T) {
	primary := &fakeHumanizer{results: []humanizeResult{{err: llm.ErrUnauthorized}}}
	secondary := &fakeHumanizer{results: []humanizeResult{{text: "fallback"}}}
	sender := &fakeSender{}
	w := &waits{}
	f := New(cfg, primary, secondary, nil, sender, WithWait(w.wait))

	require.NoError(t, f.Deliver(context.Background(), input(&flag{}, false)))
	assert.Equal(t, 1, primary.calls())
	assert.Empty(t, w.got)
	assert.Equal(t, "fallback", sender.sent[0].payload)
}

func TestDeliverApologyWhenEverythingFails(t *testing.T) {
	primary := &fakeHumanizer{results: []humanizeResult{{err: errors.New("400")}}}
	secondary := &fakeHumanizer{results: []humanizeResult{{err: errors.New("500")}}}
	sender := &fakeSender{}
	f := New(cfg, primary, secondary, nil, sender, WithWait((&waits{}).wait))

	require.NoError(t, f.Deliver(context.Background(), input(&flag{}, false)))
	assert.Equal(t, []sent{{"text", "u1", replies.Default().HumanizeFailed}}, sender.sent)
}

func TestDeliverEmptyRowsUsesMarker(t *testing.T) {
	primary := &fakeHumanizer{results: []humanizeResult{{text: "Nothing matched."}}}
	f := New(cfg, primary, nil, nil, &fakeSender{})

	in := input(&flag{}, false)
	in.Rows = dataset.Rows{Columns: []string{"total"}}
	require.NoError(t, f.Deliver(context.Background(), in))
	assert.Equal(t, []string{dataset.NoResults}, primary.raws)
}

func TestDeliverCapsRows(t *testing.T) {
	primary := &fakeHumanizer{results: []humanizeResult{{text: "ok"}}}
	small := cfg
	small.MaxResultRows = 2
	f := New(small, primary, nil, nil, &fakeSender{})

	in := input(&flag{}, false)
	in.Rows = dataset.Rows{Columns: []string{"n"}, Values: [][]any{{1}, {2}, {3}}}
	require.NoError(t, f.Deliver(context.Background(), in))
	assert.Equal(t, 2, len(strings.Split(primary.raws[0], "\n")))
}

func TestDeliverChart(t *testing.T) {
	primary := &fakeHumanizer{results: []humanizeResult{{text: "answer"}}}
	charts := &fakeCharts{image: "/tmp/chart-1/chart.png"}
	sender := &fakeSender{}
	f := New(cfg, primary, nil, charts, sender)

	require.NoError(t, f.Deliver(context.Background(), input(&flag{}, true)))
	assert.Equal(t, []sent{
		{"text", "u1", "answer"},
		{"image", "u1", "/tmp/chart-1/chart.png"},
	}, sender.sent)
	assert.Equal(t, []string{"/tmp/chart-1/chart.png"}, charts.cleaned)
}

func TestDeliverChartSendFailureIsMarkedAnswered(t *testing.T) {
	primary := &fakeHumanizer{results: []humanizeResult{{text: "answer"}}}
	charts := &fakeCharts{image: "/tmp/chart-2/chart.png"}
	sendErr := errors.New("bridge unavailable")
	sender := &fakeSender{imageErr: sendErr}
	f := New(cfg, primary, nil, charts, sender)

	err := f.Deliver(context.Background(), input(&flag{}, true))
	assert.ErrorIs(t, err, ErrAnswered)
	assert.ErrorIs(t, err, sendErr)
	assert.Equal(t, []sent{{"text", "u1", "answer"}}, sender.sent)
	assert.Equal(t, []string{"/tmp/chart-2/chart.png"}, charts.cleaned)
}

func TestDeliverChartFailureSendsOneNotice(t *testing.T) {
	primary := &fakeHumanizer{results: []humanizeResult{{text: "answer"}}}
	charts := &fakeCharts{err: errors.New("chart render failed")}
	sender := &fakeSender{}
	f := New(cfg, primary, nil, charts, sender)

	require.NoError(t, f.Deliver(context.Background(), input(&flag{}, true)))
	assert.Equal(t, []sent{
		{"text", "u1", "answer"},
		{"text", "u1", replies.Default().ChartFailed},
	}, sender.sent)
	assert.Empty(t, charts.cleaned)
}

func TestDeliverCancelledBeforeHumanize(t *testing.T) {
	primary := &fakeHumanizer{results: []humanizeResult{{text: "answer"}}}
	sender := &fakeSender{}
	cp := &flag{}
	cp.cancel()
	f := New(cfg, primary, nil, nil, sender)

	assert.ErrorIs(t, f.Deliver(context.Background(), input(cp, false)), registry.ErrCancelled)
	assert.Zero(t, primary.calls())
	assert.Empty(t, sender.sent)
}

func TestDeliverCancelledBeforeSend(t *testing.T) {
	cp := &flag{}
	primary := &fakeHumanizer{results: []humanizeResult{{text: "answer"}}, onCall: cp.cancel}
	sender := &fakeSender{}
	f := New(cfg, primary, nil, nil, sender)

	assert.ErrorIs(t, f.Deliver(context.Background(), input(cp, true)), registry.ErrCancelled)
	assert.Empty(t, sender.sent)
}

func TestDeliverCancelledBeforeSecondary(t *testing.T) {
	cp := &flag{}
	primary := &fakeHumanizer{results: []humanizeResult{{err: errors.New("400")}}, onCall: cp.cancel}
	secondary := &fakeHumanizer{results: []humanizeResult{{text: "x"}}}
	f := New(cfg, primary, secondary, nil, &fakeSender{})

	assert.ErrorIs(t, f.Deliver(context.Background(), input(cp, false)), registry.ErrCancelled)
	assert.Zero(t, secondary.calls())
}

func TestDeliverCancelledBeforeChartSend(t *testing.T) {
	cp := &flag{}
	primary := &fakeHumanizer{results: []humanizeResult{{text: "answer"}}}
	charts := &fakeCharts{image: "/tmp/c/chart.png", onRender: cp.cancel}
	sender := &fakeSender{}
	f := New(cfg, primary, nil, charts, sender)

	assert.ErrorIs(t, f.Deliver(context.Background(), input(cp, true)), registry.ErrCancelled)
	assert.Equal(t, []sent{{"text", "u1", "answer"}}, sender.sent)
	assert.Equal(t, []string{"/tmp/c/chart.png"}, charts.cleaned, "chart files are removed on every path")
}

func TestDeliverCancelledChartFailureStaysSilent(t *testing.T) {
	cp := &flag{}
	primary := &fakeHumanizer{results: []humanizeResult{{text: "answer"}}}
	charts := &fakeCharts{err: errors.New("boom"), onRender: cp.cancel}
	sender := &fakeSender{}
	f := New(cfg, primary, nil, charts, sender)

	assert.ErrorIs(t, f.Deliver(context.Background(), input(cp, true)), registry.ErrCancelled)
	assert.Len(t, sender.sent, 1)
}

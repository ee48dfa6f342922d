package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billie-coop/askdata/internal/dataset"
	"github.com/billie-coop/askdata/internal/registry"
)

type genResult struct {
	text string
	err  error
}

type fakeGenerator struct {
	mu      sync.Mutex
	results []genResult
	prompts []string
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if len(g.results) == 0 {
		return "", errors.New("script exhausted")
	}
	r := g.results[0]
	g.results = g.results[1:]
	return r.text, r.err
}

type fakeEngine struct {
	mu      sync.Mutex
	results map[string]error
	rows    dataset.Rows
	queries []string
}

func (e *fakeEngine) Execute(_ context.Context, query string) (dataset.Rows, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queries = append(e.queries, query)
	if err := e.results[query]; err != nil {
		return dataset.Rows{}, err
	}
	return e.rows, nil
}

func (e *fakeEngine) Schema() dataset.Schema {
	return dataset.Schema{Table: "records", Columns: []dataset.Column{{Name: "horas_trabalhadas", Type: "TEXT"}}}
}

// checkpoint cancels once it has been consulted limit times; limit < 0 never
// cancels.
type checkpoint struct {
	mu     sync.Mutex
	calls  int
	limit  int
	forced bool
}

func (c *checkpoint) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.forced || (c.limit >= 0 && c.calls > c.limit)
}

func (c *checkpoint) cancel() {
	c.mu.Lock()
	c.forced = true
	c.mu.Unlock()
}

func never() *checkpoint { return &checkpoint{limit: -1} }

type waits struct {
	mu  sync.Mutex
	got []time.Duration
	err error
	fn  func()
}

func (w *waits) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.got = append(w.got, d)
	fn := w.fn
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
	return w.err
}

func malformed(query, msg string) error {
	return &dataset.MalformedQueryError{Query: query, Message: msg}
}

var defaultCfg = Config{MaxQueryAttempts: 3, MaxGenerationRetries: 3, GenerationBackoff: 1500 * time.Millisecond}

func newPipeline(gen *fakeGenerator, eng *fakeEngine, w *waits) *Pipeline {
	return New(defaultCfg, gen, eng, WithWait(w.wait))
}

func TestRunFirstAttempt(t *testing.T) {
	rows := dataset.Rows{Columns: []string{"n"}, Values: [][]any{{int64(3)}}}
	gen := &fakeGenerator{results: []genResult{{text: "```sql\nSELECT COUNT(*) AS n FROM records;\n```"}}}
	eng := &fakeEngine{rows: rows}
	w := &waits{}

	var attempts []Attempt
	p := New(defaultCfg, gen, eng, WithWait(w.wait), OnAttempt(func(a Attempt) { attempts = append(attempts, a) }))
	res, err := p.Run(context.Background(), "how many rows?", never())
	require.NoError(t, err)

	assert.Equal(t, "SELECT COUNT(*) AS n FROM records", res.Query)
	assert.Equal(t, rows, res.Rows)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "how many rows?")
	assert.Contains(t, gen.prompts[0], "records(horas_trabalhadas TEXT)")
	assert.Empty(t, w.got)
	require.Len(t, attempts, 1)
	assert.NoError(t, attempts[0].Err)
}

func TestRunRegeneratesWithFeedback(t *testing.T) {
	gen := &fakeGenerator{results: []genResult{
		{text: "SELECT horas FROM records"},
		{text: "SELECT horas_trabalhadas FROM records"},
	}}
	eng := &fakeEngine{results: map[string]error{
		"SELECT horas FROM records": malformed("SELECT horas FROM records", "no such column: horas"),
	}}

	res, err := newPipeline(gen, eng, &waits{}).Run(context.Background(), "hours?", never())
	require.NoError(t, err)

	assert.Equal(t, "SELECT horas_trabalhadas FROM records", res.Query)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, gen.prompts, 2, "exactly one regeneration call")
	assert.Contains(t, gen.prompts[1], "hours?")
	assert.Contains(t, gen.prompts[1], "SELECT horas FROM records")
	assert.Contains(t, gen.prompts[1], "no such column: horas")
	assert.NotContains(t, gen.prompts[0], "no such column")
}

func TestRunCorrectionExhausted(t *testing.T) {
	gen := &fakeGenerator{results: []genResult{{text: "SELECT a"}, {text: "SELECT b"}, {text: "SELECT c"}, {text: "SELECT d"}}}
	eng := &fakeEngine{results: map[string]error{
		"SELECT a": malformed("SELECT a", "no such column: a"),
		"SELECT b": malformed("SELECT b", "no such column: b"),
		"SELECT c": malformed("SELECT c", "no such column: c"),
	}}

	_, err := newPipeline(gen, eng, &waits{}).Run(context.Background(), "q", never())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrectionExhausted)
	assert.ErrorIs(t, err, dataset.ErrMalformedQuery)
	assert.Len(t, gen.prompts, 3, "no fourth generation call")
	assert.Equal(t, []string{"SELECT a", "SELECT b", "SELECT c"}, eng.queries)
}

func TestRunEngineErrorIsTerminal(t *testing.T) {
	gen := &fakeGenerator{results: []genResult{{text: "SELECT 1"}, {text: "SELECT 2"}}}
	engineErr := &dataset.EngineError{Code: "SQLITE_BUSY", Err: errors.New("database is locked")}
	eng := &fakeEngine{results: map[string]error{"SELECT 1": engineErr}}

	_, err := newPipeline(gen, eng, &waits{}).Run(context.Background(), "q", never())
	assert.ErrorIs(t, err, dataset.ErrEngine)
	assert.NotErrorIs(t, err, ErrCorrectionExhausted)
	assert.Len(t, gen.prompts, 1)
	assert.Equal(t, "SQLITE_BUSY", dataset.EngineCode(err))
}

func TestRunGenerationUnavailable(t *testing.T) {
	netErr := errors.New("dial tcp: connection refused")
	gen := &fakeGenerator{results: []genResult{{err: netErr}, {err: netErr}, {err: netErr}, {text: "SELECT 1"}}}
	eng := &fakeEngine{}
	w := &waits{}

	_, err := newPipeline(gen, eng, w).Run(context.Background(), "q", never())
	assert.ErrorIs(t, err, ErrGenerationUnavailable)
	assert.ErrorIs(t, err, netErr)
	assert.Len(t, gen.prompts, 3)
	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 3000 * time.Millisecond}, w.got)
	assert.Empty(t, eng.queries)
}

func TestRunGenerationRecovers(t *testing.T) {
	gen := &fakeGenerator{results: []genResult{{err: errors.New("timeout")}, {text: "  ;  "}, {text: "SELECT 1"}}}
	w := &waits{}

	res, err := newPipeline(gen, &fakeEngine{}, w).Run(context.Background(), "q", never())
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", res.Query)
	assert.Equal(t, 1, res.Attempts, "generation retries are not query attempts")
	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 3000 * time.Millisecond}, w.got)
}

func TestRunCancelledBeforeGeneration(t *testing.T) {
	gen := &fakeGenerator{results: []genResult{{text: "SELECT 1"}}}
	eng := &fakeEngine{}
	cp := &checkpoint{limit: 0}

	_, err := newPipeline(gen, eng, &waits{}).Run(context.Background(), "q", cp)
	assert.ErrorIs(t, err, registry.ErrCancelled)
	assert.Empty(t, gen.prompts)
	assert.Empty(t, eng.queries)
}

func TestRunCancelledBeforeExecution(t *testing.T) {
	gen := &fakeGenerator{results: []genResult{{text: "SELECT 1"}}}
	eng := &fakeEngine{}
	cp := &checkpoint{limit: 1}

	_, err := newPipeline(gen, eng, &waits{}).Run(context.Background(), "q", cp)
	assert.ErrorIs(t, err, registry.ErrCancelled)
	assert.Len(t, gen.prompts, 1)
	assert.Empty(t, eng.queries, "no execution after the cancel was observed")
}

func TestRunCancelledDuringBackoff(t *testing.T) {
	gen := &fakeGenerator{results: []genResult{{err: errors.New("503")}, {text: "SELECT 1"}}}
	cp := never()
	w := &waits{fn: cp.cancel}

	_, err := newPipeline(gen, &fakeEngine{}, w).Run(context.Background(), "q", cp)
	assert.ErrorIs(t, err, registry.ErrCancelled)
	assert.Len(t, gen.prompts, 1, "no retry after the cancel was observed")
}

func TestRunCancelledBeforeRegeneration(t *testing.T) {
	gen := &fakeGenerator{results: []genResult{{text: "SELECT a"}, {text: "SELECT b"}}}
	cp := never()
	eng := &fakeEngine{results: map[string]error{"SELECT a": malformed("SELECT a", "bad")}}
	p := New(defaultCfg, gen, eng, WithWait((&waits{}).wait), OnAttempt(func(Attempt) { cp.cancel() }))

	_, err := p.Run(context.Background(), "q", cp)
	assert.ErrorIs(t, err, registry.ErrCancelled)
	assert.Len(t, gen.prompts, 1)
}

func TestRunBackoffInterruptedByContext(t *testing.T) {
	gen := &fakeGenerator{results: []genResult{{err: errors.New("503")}, {text: "SELECT 1"}}}
	w := &waits{err: context.Canceled}

	_, err := newPipeline(gen, &fakeEngine{}, w).Run(context.Background(), "q", never())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, gen.prompts, 1)
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"SELECT 1":                       "SELECT 1",
		"SELECT 1;":                      "SELECT 1",
		"SELECT 1 ; ;":                   "SELECT 1",
		"```sql\nSELECT 1;\n```":         "SELECT 1",
		"\n\n```\nSELECT a\nFROM t\n```": "SELECT a\nFROM t",
		"   ":                            "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Sanitize(in), "%q", in)
	}
}

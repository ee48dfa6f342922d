// Command ask answers questions about the configured dataset from the
// command line, without any messaging channel. It is handy for checking a
// new CSV or model before putting the bot in front of users.
//
//	ask --config askdata.json "How many orders are there?"
//	ask --samples --out testdata/answers
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/glamour/v2"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/billie-coop/askdata/internal/admission"
	"github.com/billie-coop/askdata/internal/config"
	"github.com/billie-coop/askdata/internal/dataset"
	"github.com/billie-coop/askdata/internal/llm"
	"github.com/billie-coop/askdata/internal/logging"
	"github.com/billie-coop/askdata/internal/pipeline"
	"github.com/billie-coop/askdata/internal/registry"
)

// Answer is the captured outcome of one question.
type Answer struct {
	CapturedAt time.Time `json:"captured_at"`
	Name       string    `json:"name"`
	Question   string    `json:"question"`
	Query      string    `json:"query,omitempty"`
	Attempts   int       `json:"attempts"`
	Rows       int       `json:"rows"`
	Result     string    `json:"result,omitempty"`
	Answer     string    `json:"answer,omitempty"`
	Error      string    `json:"error,omitempty"`
	Duration   float64   `json:"duration_seconds"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("ask", pflag.ContinueOnError)
	configPath := fs.String("config", "askdata.json", "path of the JSON config file")
	samples := fs.Bool("samples", false, "ask the built-in sample questions")
	outDir := fs.String("out", "", "directory to save one JSON file per answer")
	plain := fs.Bool("plain", false, "print answers without markdown rendering")
	config.BindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var questions []Question
	if *samples {
		questions = append(questions, SampleQuestions...)
	}
	for i, q := range fs.Args() {
		questions = append(questions, Question{Name: fmt.Sprintf("question_%d", i+1), Text: q})
	}
	if len(questions) == 0 {
		fmt.Println("Usage: ask [--config file] [--samples] [--out dir] \"question\"...")
		return nil
	}

	manager := config.NewManager(*configPath)
	if err := manager.Load(); err != nil {
		return err
	}
	if err := manager.ApplyFlags(fs); err != nil {
		return err
	}
	cfg := manager.Get()
	if cfg.LogLevel == "info" {
		cfg.LogLevel = "warn"
	}
	logger, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := dataset.Open(cfg.Dataset.CSVPath,
		dataset.WithTable(cfg.Dataset.Table),
		dataset.WithLogger(logger.Named("dataset")))
	if err != nil {
		return err
	}
	defer store.Close()

	a := &asker{
		pipeline: pipeline.New(pipeline.Config{
			MaxQueryAttempts:     cfg.Limits.MaxQueryAttempts,
			MaxGenerationRetries: cfg.Limits.MaxGenerationRetries,
			GenerationBackoff:    cfg.Limits.GenerationBackoff.D(),
		}, llm.NewGenerator(client("generator", cfg.Generator, logger)), store,
			pipeline.WithLogger(logger.Named("pipeline"))),
		humanizer: llm.NewHumanizer(client("humanizer", cfg.Humanizer, logger)),
		admission: admission.New(cfg.Limits.MaxConcurrentWorkflows, nil),
		registry:  registry.New(),
		maxRows:   cfg.Dataset.MaxResultRows,
	}

	ctx := context.Background()
	answers := make([]Answer, len(questions))
	var g errgroup.Group
	for i, q := range questions {
		g.Go(func() error {
			answers[i] = a.ask(ctx, q)
			return nil
		})
	}
	_ = g.Wait()

	var renderer *glamour.TermRenderer
	if !*plain {
		renderer, err = glamour.NewTermRenderer(
			glamour.WithStylePath("dracula"),
			glamour.WithWordWrap(100),
			glamour.WithPreservedNewLines(),
			glamour.WithEmoji(),
		)
		if err != nil {
			logger.Warn("markdown renderer unavailable", zap.Error(err))
		}
	}

	failed := 0
	for _, ans := range answers {
		printAnswer(ans, renderer)
		if ans.Error != "" {
			failed++
		}
		if *outDir != "" {
			if err := save(*outDir, ans); err != nil {
				return err
			}
		}
	}

	fmt.Printf("\n%d/%d questions answered\n", len(answers)-failed, len(answers))
	if *outDir != "" {
		fmt.Printf("Answers saved to: %s\n", *outDir)
	}
	return nil
}

type asker struct {
	pipeline  *pipeline.Pipeline
	humanizer *llm.Humanizer
	admission *admission.Controller
	registry  *registry.Registry
	maxRows   int
}

// ask runs one question through the same pipeline the bot uses, inside an
// admission slot, then humanizes the rows once.
func (a *asker) ask(ctx context.Context, q Question) (ans Answer) {
	start := time.Now()
	ans = Answer{Name: q.Name, Question: q.Text}
	defer func() {
		ans.CapturedAt = time.Now()
		ans.Duration = time.Since(start).Seconds()
	}()

	id := registry.NewID()
	a.registry.Register(q.Name, id)
	defer a.registry.Finalize(q.Name, id)

	res, err := admission.Do(ctx, a.admission, func(ctx context.Context) (pipeline.Result, error) {
		return a.pipeline.Run(ctx, q.Text, a.registry.Checkpoint(q.Name, id))
	})
	if err != nil {
		ans.Error = err.Error()
		return ans
	}
	ans.Query = res.Query
	ans.Attempts = res.Attempts
	ans.Rows = res.Rows.Len()

	if res.Rows.Empty() {
		ans.Result = "NO_RESULTS"
	} else {
		ans.Result = res.Rows.JSONLines(a.maxRows)
	}
	text, err := a.humanizer.Humanize(ctx, q.Text, ans.Result)
	if err != nil {
		ans.Error = fmt.Sprintf("humanize: %v", err)
		return ans
	}
	ans.Answer = strings.TrimSpace(text)
	return ans
}

func client(name string, e config.Endpoint, logger *zap.Logger) *llm.Client {
	return llm.NewClient(llm.Endpoint{
		Name:    name,
		BaseURL: e.BaseURL,
		APIKey:  e.APIKey,
		Model:   e.Model,
		Timeout: e.Timeout.D(),
	}, logger, nil)
}

func printAnswer(ans Answer, renderer *glamour.TermRenderer) {
	fmt.Printf("\n=== %s (%.1fs) ===\n", ans.Question, ans.Duration)
	if ans.Query != "" {
		fmt.Printf("query (%d attempt(s), %d row(s)):\n  %s\n", ans.Attempts, ans.Rows, strings.ReplaceAll(ans.Query, "\n", "\n  "))
	}
	if ans.Error != "" {
		fmt.Printf("ERROR: %s\n", ans.Error)
		return
	}
	if renderer != nil {
		if out, err := renderer.Render(ans.Answer); err == nil {
			fmt.Print(out)
			return
		}
	}
	fmt.Println(ans.Answer)
}

func save(dir string, ans Answer) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(ans, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, sanitizeFilename(ans.Name)+".json"), data, 0o644)
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '-'
		}
		return r
	}, s)
}

// Package chart draws a result set as a PNG image.
//
// A language model writes a single-file Chart.js page for the rows, the page
// is saved in its own directory, and the configured headless-browser command
// takes a screenshot of it. Each render gets a fresh directory, so
// concurrent requests never overwrite each other's files.
package chart

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/billie-coop/askdata/internal/dataset"
	"github.com/billie-coop/askdata/internal/llm"
)

// ErrRender marks any failure to produce the chart image.
var ErrRender = errors.New("chart render failed")

const (
	pageName  = "index.html"
	imageName = "chart.png"
)

// PageWriter produces the chart page.
type PageWriter interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// CommandRunner runs a command template with bound variables.
type CommandRunner interface {
	Run(ctx context.Context, command string, vars map[string]string) (stdout, stderr string, err error)
}

// Renderer turns rows into a chart image.
//
// Used by: finalizer (requests carrying the chart marker)
type Renderer struct {
	dir        string
	screenshot string
	maxRows    int
	writer     PageWriter
	runner     CommandRunner
	logger     *zap.Logger
}

// NewRenderer creates a renderer working under dir. screenshotCommand
// receives $IN (the page) and $OUT (the image).
func NewRenderer(dir, screenshotCommand string, maxRows int, writer PageWriter, runner CommandRunner, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		dir:        dir,
		screenshot: screenshotCommand,
		maxRows:    maxRows,
		writer:     writer,
		runner:     runner,
		logger:     logger.Named("chart"),
	}
}

// Render draws rows for requestText and returns the image path. The caller
// owns the image and must pass it to Cleanup when done.
func (r *Renderer) Render(ctx context.Context, requestText string, rows dataset.Rows) (imagePath string, err error) {
	if rows.Empty() {
		return "", fmt.Errorf("%w: no data to plot", ErrRender)
	}

	html, err := r.writer.Complete(ctx, llm.User(llm.ChartPrompt(requestText, rows.JSONLines(r.maxRows))))
	if err != nil {
		return "", r.wrap(ctx, "write page", err)
	}
	html = llm.StripFences(html)
	if !strings.Contains(strings.ToLower(html), "<html") {
		return "", fmt.Errorf("%w: model did not return an HTML page", ErrRender)
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRender, err)
	}
	workDir, err := os.MkdirTemp(r.dir, "chart-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRender, err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(workDir); rmErr != nil {
				r.logger.Warn("chart cleanup failed", zap.Error(rmErr))
			}
		}
	}()

	page, err := filepath.Abs(filepath.Join(workDir, pageName))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRender, err)
	}
	image := filepath.Join(filepath.Dir(page), imageName)
	if err := os.WriteFile(page, []byte(html), 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRender, err)
	}

	if _, _, err := r.runner.Run(ctx, r.screenshot, map[string]string{"IN": page, "OUT": image}); err != nil {
		return "", r.wrap(ctx, "screenshot", err)
	}

	info, err := os.Stat(image)
	if err != nil || info.Size() == 0 {
		return "", fmt.Errorf("%w: screenshot produced no image", ErrRender)
	}

	r.logger.Debug("chart rendered", zap.String("image", image), zap.Int("rows", rows.Len()))
	return image, nil
}

// Cleanup removes everything Render created for imagePath.
func (r *Renderer) Cleanup(imagePath string) error {
	if imagePath == "" {
		return nil
	}
	return os.RemoveAll(filepath.Dir(imagePath))
}

func (r *Renderer) wrap(ctx context.Context, step string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s: %v", ErrRender, step, err)
}

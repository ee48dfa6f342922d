// Package console is the local terminal messaging channel: a chat window in
// which the operator plays the role of a single user. Replies render as
// markdown, charts are kept on disk, and a status line follows the
// workflow events.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea/v2"
	"go.uber.org/zap"

	"github.com/billie-coop/askdata/internal/channel"
)

// replyMsg is a message from the bot to the console user.
type replyMsg struct {
	text  string
	image string
}

// Channel is the console's channel.Sender. Replies are queued for the UI,
// which drains them with waitForReply.
//
// Used by: bot, finalizer (as their channel.Sender), Model
type Channel struct {
	user     string
	chartDir string
	replies  chan tea.Msg
	logger   *zap.Logger
}

var _ channel.Sender = (*Channel)(nil)

// NewChannel creates a console channel for user. Chart images are copied to
// chartDir, since the finalizer removes its own copy after sending.
func NewChannel(user, chartDir string, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		user:     user,
		chartDir: chartDir,
		replies:  make(chan tea.Msg, 64),
		logger:   logger,
	}
}

// User returns the console user's id.
func (c *Channel) User() string { return c.user }

// SendText queues a text reply.
func (c *Channel) SendText(ctx context.Context, _ string, text string) error {
	return c.push(ctx, replyMsg{text: text})
}

// SendImage keeps a copy of the image and queues a reply pointing at it.
func (c *Channel) SendImage(ctx context.Context, _ string, imagePath, caption string) error {
	saved, err := c.keep(imagePath)
	if err != nil {
		return err
	}
	return c.push(ctx, replyMsg{text: caption, image: saved})
}

func (c *Channel) push(ctx context.Context, msg replyMsg) error {
	select {
	case c.replies <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) keep(imagePath string) (string, error) {
	if err := os.MkdirAll(c.chartDir, 0o755); err != nil {
		return "", fmt.Errorf("chart dir: %w", err)
	}
	src, err := os.Open(imagePath)
	if err != nil {
		return "", fmt.Errorf("open chart: %w", err)
	}
	defer src.Close()

	name := fmt.Sprintf("chart-%s%s", time.Now().Format("20060102-150405.000"), filepath.Ext(imagePath))
	dst, err := os.Create(filepath.Join(c.chartDir, name))
	if err != nil {
		return "", fmt.Errorf("save chart: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("save chart: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("save chart: %w", err)
	}
	c.logger.Debug("chart kept", zap.String("path", dst.Name()))
	return dst.Name(), nil
}

// waitForReply delivers the next queued reply to the UI.
func waitForReply(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/billie-coop/askdata/internal/channel"
)

// outboundText is the JSON body for text replies.
type outboundText struct {
	To   string `json:"to"`
	Type string `json:"type"`
	Text string `json:"text"`
}

// Sender posts replies to the bridge's send endpoint. Text goes as JSON,
// images as multipart with fields "to", "caption" and "file".
//
// Used by: bot, finalizer (as their channel.Sender)
type Sender struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

var _ channel.Sender = (*Sender)(nil)

// NewSender creates a sender for url. client may be nil.
func NewSender(url string, client *http.Client, logger *zap.Logger) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{url: url, client: client, logger: logger}
}

// SendText sends a text reply.
func (s *Sender) SendText(ctx context.Context, user, text string) error {
	body, err := json.Marshal(outboundText{To: user, Type: "text", Text: text})
	if err != nil {
		return err
	}
	return s.post(ctx, "application/json", bytes.NewReader(body))
}

// SendImage uploads the image at imagePath.
func (s *Sender) SendImage(ctx context.Context, user, imagePath, caption string) error {
	f, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("to", user); err != nil {
		return err
	}
	if err := mw.WriteField("caption", caption); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(imagePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return s.post(ctx, mw.FormDataContentType(), &buf)
}

func (s *Sender) post(ctx context.Context, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, body)
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send: bridge returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Package media turns voice messages into text.
//
// An audio attachment is written to a temporary file, converted to 16 kHz
// mono WAV by the configured command, and sent to a speech-to-text service.
// Both temporary files are removed on every path.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrTranscription marks any failure to turn audio into text.
var ErrTranscription = errors.New("transcription failed")

// Media is an attachment carried by a delivery.
type Media struct {
	MimeType string
	Filename string
	Data     []byte
}

// IsAudio reports whether m holds audio.
func (m *Media) IsAudio() bool {
	if m == nil || len(m.Data) == 0 {
		return false
	}
	return strings.HasPrefix(m.MimeType, "audio/")
}

// extension picks a file extension for m, defaulting to .ogg (voice notes).
func (m *Media) extension() string {
	if ext := filepath.Ext(m.Filename); ext != "" {
		return ext
	}
	base, _, _ := mime.ParseMediaType(m.MimeType)
	switch base {
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	default:
		return ".ogg"
	}
}

// CommandRunner runs a command template with bound variables.
type CommandRunner interface {
	Run(ctx context.Context, command string, vars map[string]string) (stdout, stderr string, err error)
}

// SpeechToText recognizes speech in an audio stream.
type SpeechToText interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// Transcriber converts and transcribes audio attachments.
//
// Used by: bot.HandleDelivery (voice deliveries only)
type Transcriber struct {
	dir     string
	convert string
	runner  CommandRunner
	stt     SpeechToText
	logger  *zap.Logger
}

// NewTranscriber creates a transcriber that keeps temporary files in dir.
// convertCommand receives $IN and $OUT; when empty the original audio is
// uploaded unchanged.
func NewTranscriber(dir, convertCommand string, runner CommandRunner, stt SpeechToText, logger *zap.Logger) *Transcriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transcriber{
		dir:     dir,
		convert: convertCommand,
		runner:  runner,
		stt:     stt,
		logger:  logger.Named("media"),
	}
}

// Transcribe returns the text spoken in m. Failures wrap ErrTranscription,
// except context errors, which are returned as is.
func (t *Transcriber) Transcribe(ctx context.Context, m Media) (text string, err error) {
	if len(m.Data) == 0 {
		return "", fmt.Errorf("%w: empty audio", ErrTranscription)
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}

	src, err := os.CreateTemp(t.dir, "audio-*"+m.extension())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	srcPath := src.Name()
	wavPath := strings.TrimSuffix(srcPath, filepath.Ext(srcPath)) + ".wav"
	if wavPath == srcPath {
		wavPath = strings.TrimSuffix(srcPath, ".wav") + ".converted.wav"
	}

	defer func() {
		if cerr := cleanup(srcPath, wavPath); cerr != nil {
			t.logger.Warn("temporary audio cleanup failed", zap.Error(cerr))
		}
	}()

	_, werr := src.Write(m.Data)
	if err := multierr.Append(werr, src.Close()); err != nil {
		return "", fmt.Errorf("%w: save audio: %v", ErrTranscription, err)
	}

	upload := srcPath
	if t.convert != "" {
		_, _, err := t.runner.Run(ctx, t.convert, map[string]string{"IN": srcPath, "OUT": wavPath})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("%w: convert: %v", ErrTranscription, err)
		}
		upload = wavPath
	}

	f, err := os.Open(upload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	defer f.Close()

	text, err = t.stt.Transcribe(ctx, filepath.Base(upload), f)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}

	text = strings.TrimSpace(text)
	t.logger.Debug("audio transcribed", zap.Int("bytes", len(m.Data)), zap.Int("chars", len(text)))
	return text, nil
}

// cleanup removes every path, ignoring ones that do not exist.
func cleanup(paths ...string) error {
	var errs error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

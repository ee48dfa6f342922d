package media

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	err  error
	vars map[string]string
}

func (f *fakeRunner) Run(_ context.Context, _ string, vars map[string]string) (string, string, error) {
	f.vars = vars
	if f.err != nil {
		return "", "boom", f.err
	}
	data, err := os.ReadFile(vars["IN"])
	if err != nil {
		return "", "", err
	}
	return "", "", os.WriteFile(vars["OUT"], append([]byte("wav:"), data...), 0o644)
}

type fakeSTT struct {
	text     string
	err      error
	got      string
	filename string
}

func (f *fakeSTT) Transcribe(_ context.Context, filename string, audio io.Reader) (string, error) {
	data, _ := io.ReadAll(audio)
	f.got, f.filename = string(data), filename
	return f.text, f.err
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary files must be removed")
}

func voice() Media {
	return Media{MimeType: "audio/ogg; codecs=opus", Data: []byte("OggS")}
}

func TestTranscribeConvertsAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	stt := &fakeSTT{text: "  total hours in may \n"}
	tr := NewTranscriber(dir, `ffmpeg -i "$IN" "$OUT"`, runner, stt, nil)

	text, err := tr.Transcribe(context.Background(), voice())
	require.NoError(t, err)
	assert.Equal(t, "total hours in may", text)
	assert.Equal(t, "wav:OggS", stt.got)
	assert.True(t, strings.HasSuffix(runner.vars["IN"], ".ogg"))
	assert.True(t, strings.HasSuffix(runner.vars["OUT"], ".wav"))
	assert.True(t, strings.HasSuffix(stt.filename, ".wav"))
	assertEmptyDir(t, dir)
}

func TestTranscribeWithoutConversion(t *testing.T) {
	dir := t.TempDir()
	stt := &fakeSTT{text: "hi"}
	tr := NewTranscriber(dir, "", nil, stt, nil)

	text, err := tr.Transcribe(context.Background(), Media{MimeType: "audio/mpeg", Data: []byte("ID3")})
	require.NoError(t, err)
	assert.Equal(t, "hi", text)
	assert.Equal(t, "ID3", stt.got)
	assert.True(t, strings.HasSuffix(stt.filename, ".mp3"))
	assertEmptyDir(t, dir)
}

func TestTranscribeConvertFailure(t *testing.T) {
	dir := t.TempDir()
	stt := &fakeSTT{}
	tr := NewTranscriber(dir, "ffmpeg", &fakeRunner{err: errors.New("exit status 1")}, stt, nil)

	_, err := tr.Transcribe(context.Background(), voice())
	assert.ErrorIs(t, err, ErrTranscription)
	assert.Empty(t, stt.got, "service must not be called after a failed conversion")
	assertEmptyDir(t, dir)
}

func TestTranscribeServiceFailure(t *testing.T) {
	dir := t.TempDir()
	tr := NewTranscriber(dir, "ffmpeg", &fakeRunner{}, &fakeSTT{err: errors.New("502")}, nil)

	_, err := tr.Transcribe(context.Background(), voice())
	assert.ErrorIs(t, err, ErrTranscription)
	assertEmptyDir(t, dir)
}

func TestTranscribeContextErrorIsNotWrapped(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := NewTranscriber(dir, "ffmpeg", &fakeRunner{err: context.Canceled}, &fakeSTT{}, nil)

	_, err := tr.Transcribe(ctx, voice())
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTranscription)
	assertEmptyDir(t, dir)
}

func TestTranscribeEmptyAudio(t *testing.T) {
	tr := NewTranscriber(t.TempDir(), "", nil, &fakeSTT{}, nil)
	_, err := tr.Transcribe(context.Background(), Media{MimeType: "audio/ogg"})
	assert.ErrorIs(t, err, ErrTranscription)
}

func TestIsAudio(t *testing.T) {
	assert.True(t, (&Media{MimeType: "audio/ogg", Data: []byte{1}}).IsAudio())
	assert.False(t, (&Media{MimeType: "image/png", Data: []byte{1}}).IsAudio())
	assert.False(t, (&Media{MimeType: "audio/ogg"}).IsAudio())
	var m *Media
	assert.False(t, m.IsAudio())
}

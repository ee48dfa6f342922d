package replies

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngine(t *testing.T) {
	texts := Default()
	assert.Contains(t, texts.Engine("SQLITE_BUSY"), "(SQLITE_BUSY)")
	assert.Contains(t, texts.Engine(""), "(unknown)")
}

func TestDefaultsAreSet(t *testing.T) {
	texts := Default()
	for name, v := range map[string]string{
		"Welcome":               texts.Welcome,
		"Cancelled":             texts.Cancelled,
		"NothingToCancel":       texts.NothingToCancel,
		"GenerationUnavailable": texts.GenerationUnavailable,
		"CorrectionExhausted":   texts.CorrectionExhausted,
		"AudioFailed":           texts.AudioFailed,
		"Unexpected":            texts.Unexpected,
		"HumanizeFailed":        texts.HumanizeFailed,
		"ChartFailed":           texts.ChartFailed,
	} {
		assert.NotEmpty(t, v, name)
	}
}

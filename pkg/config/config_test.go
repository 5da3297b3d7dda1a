package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstrumentsYAML(t *testing.T) {
	raw := []byte(`
instruments:
  - token: 256265
  - token: 260105
  - token: 0
`)
	tokens, err := ParseInstrumentsYAML(raw)
	require.NoError(t, err)
	assert.Equal(t, []uint32{256265, 260105}, tokens)
}

func TestParseInstrumentsYAMLInvalid(t *testing.T) {
	_, err := ParseInstrumentsYAML([]byte("instruments: {not a list"))
	assert.Error(t, err)
}

func TestParseInstrumentsCSV(t *testing.T) {
	assert.Equal(t, []uint32{1, 22, 333}, parseInstrumentsCSV("1, 22,333"))
	assert.Empty(t, parseInstrumentsCSV(""))
	assert.Equal(t, []uint32{5}, parseInstrumentsCSV("5,notanumber"))
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "notifier", cfg.ConsumerGroup)
	assert.Equal(t, int64(100), cfg.StreamReadCount)
	assert.NotZero(t, cfg.RefreshInterval)
	assert.Contains(t, cfg.WebhookURLs, "email")
}

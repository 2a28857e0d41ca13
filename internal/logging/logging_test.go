package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketline/internal/domain"
	"marketline/internal/logging"
)

func TestJSONLoggerFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New("json", "warn", &buf)
	require.NoError(t, err)
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "warn", entry["level"])
}

func TestOrderObject(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New("json", "debug", &buf)
	require.NoError(t, err)
	o := domain.AppOrder{App: common.HexToAddress("0x1a69b2EB604dB8eBa185dF03ea4F5288dcbbD248"), Volume: domain.NewUint256(4)}
	log.Debug().Object("order", logging.Order{Hash: "0x01", Order: o}).Msg("signed")

	var entry struct {
		Order map[string]any `json:"order"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "apporder", entry.Order["kind"])
	assert.Equal(t, "4", entry.Order["volume"])
	assert.Equal(t, "0x1a69b2EB604dB8eBa185dF03ea4F5288dcbbD248", entry.Order["resource"])
	assert.Equal(t, false, entry.Order["signed"])
}

func TestRejectsUnknownSettings(t *testing.T) {
	_, err := logging.New("xml", "info", nil)
	assert.Error(t, err)
	_, err = logging.New("plain", "verbose", nil)
	assert.Error(t, err)
}

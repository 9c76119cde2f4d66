package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		errMsg  string
	}{
		{name: "Defaults", cfg: Config{}},
		{name: "Console debug", cfg: Config{Level: "debug", Encoder: "console"}},
		{name: "Unknown level", cfg: Config{Level: "loud"}, wantErr: true, errMsg: "invalid log level"},
		{name: "Unknown encoder", cfg: Config{Encoder: "xml"}, wantErr: true, errMsg: "unknown log encoder"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.log")
	logger, err := New(Config{Level: "info", File: path, MaxSizeMB: 1, MaxAgeDays: 1})
	require.NoError(t, err)

	logger.Info("ledger submission committed")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ledger submission committed")
}

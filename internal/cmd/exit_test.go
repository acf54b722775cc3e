package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"testing"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/require"

	"github.com/namelens/headroom/internal/ailink"
	"github.com/namelens/headroom/internal/ailink/driver"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want foundry.ExitCode
	}{
		{"config", invalidConfig(errors.New("bad flag")), foundry.ExitConfigInvalid},
		{"wrapped config", fmt.Errorf("load: %w", invalidConfig(errors.New("bad"))), foundry.ExitConfigInvalid},
		{"missing file", fmt.Errorf("open: %w", fs.ErrNotExist), foundry.ExitFileNotFound},
		{"pause cancelled", &ailink.PauseCancelledError{Cause: context.Canceled}, foundry.ExitFailure},
		{"cancelled", context.Canceled, foundry.ExitFailure},
		{"rate limited", &driver.ProviderError{StatusCode: http.StatusTooManyRequests}, foundry.ExitExternalServiceUnavailable},
		{"bad request", &driver.ProviderError{StatusCode: http.StatusBadRequest}, foundry.ExitFailure},
		{"other", errors.New("boom"), foundry.ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ExitCodeFor(tt.err))
		})
	}
}

func TestInvalidConfigNil(t *testing.T) {
	require.NoError(t, invalidConfig(nil))
}

func TestExitInfoKnownAndUnknown(t *testing.T) {
	info := exitInfo(foundry.ExitConfigInvalid)
	require.Equal(t, int(foundry.ExitConfigInvalid), info.Code)
	require.NotEmpty(t, info.Name)

	unknown := exitInfo(foundry.ExitCode(251))
	require.Equal(t, 251, unknown.Code)
	require.Equal(t, "UNKNOWN", unknown.Name)
}

func TestWriteFatal(t *testing.T) {
	info := exitMeta{Code: 1, Name: "EXIT_FAILURE", Description: "failure"}

	var buf bytes.Buffer
	writeFatal(&buf, info, "batch failed", errors.New("boom"))
	require.Equal(t, "FATAL: batch failed: boom\nExit Code: 1 (EXIT_FAILURE) - failure\n", buf.String())

	buf.Reset()
	writeFatal(&buf, info, "no error", nil)
	require.True(t, strings.HasPrefix(buf.String(), "FATAL: no error\n"))

	buf.Reset()
	envelope := gferrors.NewErrorEnvelope("CONFIG_INVALID", "bad threshold").WithCorrelationID("c-1")
	writeFatal(&buf, info, "config", envelope)
	require.Contains(t, buf.String(), "[CONFIG_INVALID]: bad threshold (correlation: c-1")
}

func TestExitFieldsIncludeEnvelope(t *testing.T) {
	envelope := gferrors.NewErrorEnvelope("CONFIG_INVALID", "bad threshold")
	fields := exitFields(exitMeta{Code: 2, Name: "X"}, fmt.Errorf("load: %w", envelope))

	keys := make(map[string]bool, len(fields))
	for _, f := range fields {
		keys[f.Key] = true
	}
	require.True(t, keys["exit_code"])
	require.True(t, keys["error_code"])
	require.True(t, keys["error"])
}

package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteVersion(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123", "2025-01-01")

	var buf bytes.Buffer
	require.NoError(t, writeVersion(&buf, false))
	require.Equal(t, "headroom 1.2.3\n", buf.String())

	buf.Reset()
	require.NoError(t, writeVersion(&buf, true))
	require.Contains(t, buf.String(), "Commit: abc123")
	require.Contains(t, buf.String(), "Built: 2025-01-01")
	require.Contains(t, buf.String(), "Gofulmen:")
}

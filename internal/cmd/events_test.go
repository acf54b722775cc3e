package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/namelens/headroom/internal/output"
)

func newEventsTestCommand(withLimit bool) *cobra.Command {
	c := &cobra.Command{Use: "test"}
	c.Flags().Bool("all", false, "")
	c.Flags().String("kind", "", "")
	c.Flags().String("worker", "", "")
	c.Flags().String("since", "", "")
	c.Flags().String("before", "", "")
	if withLimit {
		c.Flags().Int("limit", 50, "")
	}
	return c
}

func TestParseTimeFlag(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	ts, err := parseTimeFlag("", now)
	require.NoError(t, err)
	require.True(t, ts.IsZero())

	ts, err = parseTimeFlag("2025-05-31T00:00:00Z", now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC), ts)

	ts, err = parseTimeFlag("24h", now)
	require.NoError(t, err)
	require.Equal(t, now.Add(-24*time.Hour), ts)

	_, err = parseTimeFlag("-1h", now)
	require.Error(t, err)
	_, err = parseTimeFlag("yesterday", now)
	require.Error(t, err)
}

func TestEventQueryFromFlagsListDefaultsToAll(t *testing.T) {
	c := newEventsTestCommand(true)
	q, err := eventQueryFromFlags(c, time.Now(), true)
	require.NoError(t, err)
	require.True(t, q.All)
	require.Equal(t, 50, q.Limit)
}

func TestEventQueryFromFlagsPurgeRequiresFilter(t *testing.T) {
	c := newEventsTestCommand(false)
	_, err := eventQueryFromFlags(c, time.Now(), false)
	require.Error(t, err)

	require.NoError(t, c.Flags().Set("kind", " Pause "))
	require.NoError(t, c.Flags().Set("since", "1h"))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q, err := eventQueryFromFlags(c, now, false)
	require.NoError(t, err)
	require.False(t, q.All)
	require.Equal(t, "pause", q.Kind)
	require.Equal(t, now.Add(-time.Hour), q.Since)
	require.Zero(t, q.Limit)
}

func TestEventQueryFromFlagsRejectsUnknownKind(t *testing.T) {
	c := newEventsTestCommand(true)
	require.NoError(t, c.Flags().Set("kind", "sleep"))
	_, err := eventQueryFromFlags(c, time.Now(), true)
	require.ErrorContains(t, err, "unknown event kind")
}

func TestWritePurgeResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writePurgeResult(output.FormatTable, &buf, 3, 0, true))
	require.Equal(t, "Would delete 3 governor event(s)\n", buf.String())

	buf.Reset()
	require.NoError(t, writePurgeResult(output.FormatTable, &buf, 3, 3, false))
	require.Equal(t, "Deleted 3/3 governor event(s)\n", buf.String())

	buf.Reset()
	require.NoError(t, writePurgeResult(output.FormatJSON, &buf, 2, 2, false))
	require.JSONEq(t, `{"matched":2,"deleted":2,"dry_run":false}`, buf.String())
}

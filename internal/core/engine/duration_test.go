package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeReset(t *testing.T) {
	cases := []struct {
		value string
		want  float64
	}{
		{value: "6m0s", want: 361},
		{value: "1h30m0s", want: 5401},
		{value: "0s", want: 1},
		{value: "1s", want: 2},
		{value: "20ms", want: 1.02},
		{value: "1.5s", want: 2.5},
		{value: "2m", want: 121},
		{value: "1h", want: 3601},
		{value: " 45s ", want: 46},
	}

	for _, tc := range cases {
		t.Run(tc.value, func(t *testing.T) {
			got, err := DecodeReset(tc.value)
			require.NoError(t, err)
			require.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestDecodeResetMilliseconds(t *testing.T) {
	got, err := DecodeReset("818ms")
	require.NoError(t, err)
	require.InDelta(t, 1.818, got, 1e-9)
	require.Greater(t, got, 1.0)
}

func TestDecodeResetMalformed(t *testing.T) {
	for _, value := range []string{"", "   ", "soon", "6", "-1s", "1d", "s", "1m1h", "1.5m", "6m0s junk"} {
		t.Run(value, func(t *testing.T) {
			_, err := DecodeReset(value)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrMalformedDuration))

			var malformed *MalformedDurationError
			require.ErrorAs(t, err, &malformed)
			require.Equal(t, value, malformed.Value)
		})
	}
}

func TestResetWaitIncludesBuffer(t *testing.T) {
	wait, err := ResetWait("6m0s")
	require.NoError(t, err)
	require.Equal(t, 6*time.Minute+ResetBuffer, wait)

	parsed, err := ParseReset("6m0s")
	require.NoError(t, err)
	require.Equal(t, 6*time.Minute, parsed)
}

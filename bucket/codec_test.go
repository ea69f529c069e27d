package bucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTrip(t *testing.T) {
	t.Parallel()

	st := State{
		Tokens:       3.141592653589793,
		LastRefillAt: time.Date(2026, 8, 1, 12, 0, 0, 123456789, time.UTC),
	}

	decoded, err := DecodeState(EncodeState(st))
	require.NoError(t, err)
	assert.InDelta(t, st.Tokens, decoded.Tokens, 1e-12)
	assert.True(t, st.LastRefillAt.Equal(decoded.LastRefillAt))
}

func TestCodec_RoundTripExtremes(t *testing.T) {
	t.Parallel()

	for _, tokens := range []float64{0, 1e-9, 1e9, 0.1 + 0.2} {
		st := State{Tokens: tokens, LastRefillAt: time.Unix(0, 1)}
		decoded, err := DecodeState(EncodeState(st))
		require.NoError(t, err)
		assert.Equal(t, tokens, decoded.Tokens)
	}
}

func TestDecodeState_Malformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "1.5", "x|123", "1.5|y", "1.5|"} {
		_, err := DecodeState(raw)
		assert.ErrorIs(t, err, ErrBadEncoding, "input %q", raw)
	}
}

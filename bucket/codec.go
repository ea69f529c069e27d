package bucket

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadEncoding is returned when a stored state value cannot be decoded.
var ErrBadEncoding = errors.New("bucket: malformed state encoding")

// EncodeState serializes a state to the store value format:
// "<tokens>|<last_refill_unix_nano>". Tokens are formatted with full float64
// precision so a round trip loses nothing.
func EncodeState(st State) string {
	return strconv.FormatFloat(st.Tokens, 'g', -1, 64) + "|" +
		strconv.FormatInt(st.LastRefillAt.UnixNano(), 10)
}

// DecodeState parses a value produced by EncodeState.
func DecodeState(raw string) (State, error) {
	tokensPart, refillPart, ok := strings.Cut(raw, "|")
	if !ok {
		return State{}, fmt.Errorf("%w: missing separator in %q", ErrBadEncoding, raw)
	}

	tokens, err := strconv.ParseFloat(tokensPart, 64)
	if err != nil {
		return State{}, fmt.Errorf("%w: bad token count in %q: %v", ErrBadEncoding, raw, err)
	}
	nanos, err := strconv.ParseInt(refillPart, 10, 64)
	if err != nil {
		return State{}, fmt.Errorf("%w: bad refill timestamp in %q: %v", ErrBadEncoding, raw, err)
	}

	return State{
		Tokens:       tokens,
		LastRefillAt: time.Unix(0, nanos),
	}, nil
}

package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Feed delivers live payloads until ctx is cancelled or the feed fails.
// A returned error other than ctx.Err() means the feed is unusable and the caller
// should fall back to simulation.
type Feed interface {
	Run(ctx context.Context, emit func(Payload)) error
}

// ErrFeedClosed is returned when a feed ends without being cancelled.
var ErrFeedClosed = errors.New("feed closed")

// DecodePayload parses a JSON object. A JSON null decodes to a nil Payload.
func DecodePayload(b []byte) (Payload, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if p == nil {
		return nil, nil
	}
	return p, nil
}

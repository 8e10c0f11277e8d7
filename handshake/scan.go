package handshake

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Marker is printed by the engine on the line that announces its WebSocket endpoint.
const Marker = "[LUMEN] [WEBSOCKET]"

var ErrHandshakeTimeout = errors.New("handshake timed out")

type Match struct {
	Line string
	// Consumed is the number of lines popped, including the matching one.
	Consumed int
}

// Scan pops lines until one contains marker.
// Matching is plain case-sensitive substring containment on the untrimmed line.
func Scan(ctx context.Context, q *Queue, marker string) (Match, error) {
	consumed := 0
	for {
		line, err := q.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return Match{Consumed: consumed}, fmt.Errorf("%w after %d lines without %q", ErrHandshakeTimeout, consumed, marker)
			}
			return Match{Consumed: consumed}, err
		}
		consumed++
		if strings.Contains(line, marker) {
			return Match{Line: line, Consumed: consumed}, nil
		}
	}
}

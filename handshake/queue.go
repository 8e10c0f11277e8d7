package handshake

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of output lines.
// Push never blocks, Pop blocks until a line is available.
type Queue struct {
	m     sync.Mutex
	lines []string
	// waiters are closed on the next Push so blocked Pop calls can retry.
	waiters []chan struct{}
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(line string) {
	q.m.Lock()
	defer q.m.Unlock()
	q.lines = append(q.lines, line)
	for _, w := range q.waiters {
		close(w)
	}
	q.waiters = nil
}

// Pop removes and returns the oldest line, waiting for one if the queue is empty.
func (q *Queue) Pop(ctx context.Context) (string, error) {
	for {
		q.m.Lock()
		if len(q.lines) > 0 {
			line := q.lines[0]
			q.lines[0] = ""
			q.lines = q.lines[1:]
			q.m.Unlock()
			return line, nil
		}
		ch := make(chan struct{})
		q.waiters = append(q.waiters, ch)
		q.m.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (q *Queue) Len() int {
	q.m.Lock()
	defer q.m.Unlock()
	return len(q.lines)
}

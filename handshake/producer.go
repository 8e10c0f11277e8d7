package handshake

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

// maxLineSize is the longest line passed on. Longer lines are dropped and reading continues.
const maxLineSize = 1024 * 1024

const readBufferSize = 64 * 1024

// Producer copies lines from a stream onto a Queue.
type Producer struct {
	r         io.Reader
	q         *Queue
	log       *zap.SugaredLogger
	stdoutLog *zap.SugaredLogger

	lines   atomic.Int64
	dropped atomic.Int64
	done    chan struct{}
	err     error
}

func NewProducer(r io.Reader, q *Queue, log *zap.SugaredLogger) *Producer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Producer{
		r:         r,
		q:         q,
		log:       log.Named("producer"),
		stdoutLog: log.Named("engine_stdout"),
		done:      make(chan struct{}),
	}
}

// Run reads until the stream ends, then closes the stream if it is an io.Closer.
// It must be called at most once.
// A stream closed underneath Run by its owner counts as a normal end of data.
func (p *Producer) Run() error {
	defer close(p.done)
	defer func() {
		if closer, ok := p.r.(io.Closer); ok {
			closer.Close()
		}
	}()

	err := p.read()
	if errors.Is(err, os.ErrClosed) {
		err = nil
	}
	if err != nil {
		p.log.Debugf("read error after %d lines: %s", p.lines.Load(), err)
		p.err = fmt.Errorf("reading line %d: %w", p.lines.Load()+p.dropped.Load()+1, err)
		return p.err
	}
	p.log.Debugw("stream ended", "Lines", p.lines.Load(), "Dropped", p.dropped.Load())
	return nil
}

func (p *Producer) read() error {
	r := bufio.NewReaderSize(p.r, readBufferSize)
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			// room for a trailing \r\n
			if len(line) > maxLineSize+2 {
				tooLong = true
				line = line[:0]
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if err == nil || (errors.Is(err, io.EOF) && (len(line) > 0 || tooLong)) {
			text := trimEOL(line)
			if tooLong || len(text) > maxLineSize {
				p.dropped.Add(1)
				p.log.Infow("dropped over-long line", "LineNumber", p.lines.Load()+p.dropped.Load(), "Limit", maxLineSize)
			} else {
				s := string(text)
				p.stdoutLog.Debug(s)
				p.q.Push(s)
				p.lines.Add(1)
			}
			line = line[:0]
			tooLong = false
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func trimEOL(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}
	if len(b) > 0 && b[len(b)-1] == '\r' {
		b = b[:len(b)-1]
	}
	return b
}

// Done is closed once Run has returned.
func (p *Producer) Done() <-chan struct{} {
	return p.done
}

// Err is the error Run returned. It is only meaningful once Done is closed.
func (p *Producer) Err() error {
	return p.err
}

// Lines is the number of lines pushed so far.
func (p *Producer) Lines() int64 {
	return p.lines.Load()
}

// Dropped is the number of lines skipped for being longer than the line limit.
func (p *Producer) Dropped() int64 {
	return p.dropped.Load()
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultGrace is how long Close waits after the graceful signal before killing the engine.
const DefaultGrace = 5 * time.Second

type Config struct {
	Path string
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	WD  string
	// Stderr receives the engine's stderr. Nil discards it.
	Stderr io.Writer
	Grace  time.Duration
	Log    *zap.SugaredLogger
}

type Result struct {
	// ExitCode is -1 if the engine was terminated by a signal.
	ExitCode int
	TimeMS   int64
}

// Process is a running engine.
// The engine runs until it exits by itself, Stop or Close is called, or the context passed to Start is done.
type Process struct {
	log    *zap.SugaredLogger
	cmd    *exec.Cmd
	stdout *os.File
	grace  time.Duration

	done    chan struct{}
	result  Result
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// Start spawns the engine with its stdout connected to a pipe readable through Stdout.
func Start(ctx context.Context, cfg Config) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Dir = cfg.WD
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	cmd.Stderr = cfg.Stderr
	configureCommand(cmd)

	// A plain pipe instead of cmd.StdoutPipe, so that Wait never closes the read end under the reader.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	start := time.Now()
	err = cmd.Start()
	stdoutW.Close()
	if err != nil {
		stdoutR.Close()
		return nil, fmt.Errorf("starting %q: %w", cfg.Path, err)
	}

	p := &Process{
		log:    log.Named("engine").With("PID", cmd.Process.Pid),
		cmd:    cmd,
		stdout: stdoutR,
		grace:  grace,
		done:   make(chan struct{}),
	}
	p.log.Debugw("engine started", "Path", cfg.Path, "Args", cfg.Args)

	go p.wait(start)

	// stop the engine if the context is canceled
	// In the normal case the engine has already exited or been closed by then.
	go func() {
		select {
		case <-ctx.Done():
			p.log.Debugf("start context done: %s", ctx.Err())
			p.Close()
		case <-p.done:
		}
	}()

	return p, nil
}

func (p *Process) wait(start time.Time) {
	defer close(p.done)

	err := p.cmd.Wait()
	p.result.TimeMS = time.Since(start).Milliseconds()
	p.result.ExitCode = -1
	if p.cmd.ProcessState != nil {
		p.result.ExitCode = p.cmd.ProcessState.ExitCode()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.log.Debugf("unexpected wait error: %s", err)
			p.waitErr = err
		}
	}
	p.log.Debugw("engine exited", "ExitCode", p.result.ExitCode, "TimeMS", p.result.TimeMS)
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stdout is the read end of the engine's stdout pipe.
// It reaches EOF once the engine, and anything it spawned that inherited stdout, has exited.
func (p *Process) Stdout() io.ReadCloser {
	return p.stdout
}

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait waits for the engine to exit.
func (p *Process) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-p.done:
		res := p.result
		return &res, p.waitErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop asks the engine to exit and kills it if it is still running after grace.
// It returns once the engine has exited, or with an error if ctx ends first.
func (p *Process) Stop(ctx context.Context, grace time.Duration) error {
	if p.Exited() {
		return nil
	}

	p.log.Debugw("interrupting engine", "Grace", grace)
	if err := interrupt(p.cmd.Process); err != nil {
		p.log.Debugf("interrupt error: %s", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		p.log.Debug("engine still running after grace period, killing")
	case <-ctx.Done():
		p.log.Debugf("stop context done, killing: %s", ctx.Err())
	}

	if err := kill(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Debugf("kill error: %s", err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for engine to exit: %w", ctx.Err())
	}
}

// Close stops the engine with the configured grace period and closes its stdout pipe.
// It is safe to call more than once.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.Stop(context.Background(), p.grace)
		p.stdout.Close()
	})
	return p.closeErr
}

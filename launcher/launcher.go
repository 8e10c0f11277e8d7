package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/AlexvZyl/lumenctl/control"
	"github.com/AlexvZyl/lumenctl/engine"
	"github.com/AlexvZyl/lumenctl/handshake"
	"github.com/AlexvZyl/lumenctl/internal/files"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultExitTimeout      = 10 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
)

type State int

const (
	StateSpawning State = iota
	StateAwaitingHandshake
	StateConnecting
	StateSending
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "Spawning"
	case StateAwaitingHandshake:
		return "AwaitingHandshake"
	case StateConnecting:
		return "Connecting"
	case StateSending:
		return "Sending"
	case StateDone:
		return "Done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Launcher starts the engine, waits for it to announce its control endpoint and tells it to terminate.
type Launcher struct {
	log *zap.SugaredLogger

	enginePath   string
	engineArgs   []string
	engineEnv    []string
	engineStderr io.Writer

	handshakeTimeout time.Duration
	exitTimeout      time.Duration
	connectTimeout   time.Duration
	shutdownGrace    time.Duration
	defaultEndpoint  string
	dialRetries      int

	client   *control.Client
	observer func(State)
}

type Option func(l *Launcher)

func WithLogger(l *zap.Logger) Option {
	return func(la *Launcher) {
		la.log = l.Named("launcher").Sugar()
	}
}

func WithEngineArgs(args ...string) Option {
	return func(l *Launcher) {
		l.engineArgs = args
	}
}

// WithEngineEnv appends entries of the form KEY=value to the engine's environment.
func WithEngineEnv(env ...string) Option {
	return func(l *Launcher) {
		l.engineEnv = env
	}
}

func WithEngineStderr(w io.Writer) Option {
	return func(l *Launcher) {
		l.engineStderr = w
	}
}

// WithHandshakeTimeout bounds the wait for the marker line.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(l *Launcher) {
		l.handshakeTimeout = d
	}
}

// WithExitTimeout bounds the wait for the engine to exit by itself after Terminate.
func WithExitTimeout(d time.Duration) Option {
	return func(l *Launcher) {
		l.exitTimeout = d
	}
}

// WithConnectTimeout bounds connecting to the control endpoint and sending Terminate, retries included.
func WithConnectTimeout(d time.Duration) Option {
	return func(l *Launcher) {
		l.connectTimeout = d
	}
}

// WithShutdownGrace sets the time between the graceful signal and the forced kill when the engine has to be stopped.
func WithShutdownGrace(d time.Duration) Option {
	return func(l *Launcher) {
		l.shutdownGrace = d
	}
}

// WithDefaultEndpoint sets the endpoint used when the marker line carries no address.
func WithDefaultEndpoint(url string) Option {
	return func(l *Launcher) {
		l.defaultEndpoint = url
	}
}

func WithDialRetries(n int) Option {
	return func(l *Launcher) {
		l.dialRetries = n
	}
}

// WithStateObserver registers f to be called on every state transition, from the goroutine calling Run.
func WithStateObserver(f func(State)) Option {
	return func(l *Launcher) {
		l.observer = f
	}
}

func New(enginePath string, opts ...Option) *Launcher {
	l := &Launcher{
		log:              zap.NewNop().Sugar(),
		enginePath:       enginePath,
		handshakeTimeout: DefaultHandshakeTimeout,
		exitTimeout:      DefaultExitTimeout,
		connectTimeout:   DefaultConnectTimeout,
		shutdownGrace:    engine.DefaultGrace,
		defaultEndpoint:  handshake.DefaultEndpoint,
		dialRetries:      control.DefaultDialRetries,
	}
	for _, o := range opts {
		o(l)
	}
	l.client = control.NewClient(
		control.WithClientLogger(l.log),
		control.WithDialRetries(l.dialRetries),
	)
	return l
}

// DefaultEnginePath finds the engine's release build by searching up from the working directory.
func DefaultEnginePath() (string, error) {
	name := "Lumen"
	if runtime.GOOS == "windows" {
		name = "Lumen.exe"
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting wd: %w", err)
	}
	return files.FindUp(filepath.Join("Binaries", "Executables", "x64", "Release", name), wd)
}

type Result struct {
	SessionID    string
	MatchedLine  string
	Endpoint     string
	LinesScanned int
	// Killed is true if the engine had not exited within the exit timeout and was stopped.
	Killed   bool
	ExitCode int
}

func (l *Launcher) enter(log *zap.SugaredLogger, s State) {
	log.Debugw("entering state", "State", s)
	if l.observer != nil {
		l.observer(s)
	}
}

// Run executes one launch. The engine is stopped and its output reader joined before Run returns, whatever the outcome.
func (l *Launcher) Run(ctx context.Context) (res *Result, err error) {
	sessionID := uuid.NewString()
	log := l.log.With("SessionID", sessionID)

	l.enter(log, StateSpawning)
	proc, err := engine.Start(ctx, engine.Config{
		Path:   l.enginePath,
		Args:   l.engineArgs,
		Env:    l.engineEnv,
		Stderr: l.engineStderr,
		Grace:  l.shutdownGrace,
		Log:    log,
	})
	if err != nil {
		return nil, fmt.Errorf("spawning engine: %w", err)
	}
	log.Infow("engine started", "Path", l.enginePath, "PID", proc.Pid())

	queue := handshake.NewQueue()
	producer := handshake.NewProducer(proc.Stdout(), queue, log)
	var group errgroup.Group
	group.Go(producer.Run)

	defer func() {
		if stopErr := proc.Close(); stopErr != nil {
			log.Debugf("error stopping engine: %s", stopErr)
		}
		if readErr := group.Wait(); readErr != nil {
			log.Debugf("engine output reader failed: %s", readErr)
		}
		if res != nil && res.Killed {
			if exit, waitErr := proc.Wait(context.Background()); waitErr == nil {
				res.ExitCode = exit.ExitCode
			}
		}
	}()

	l.enter(log, StateAwaitingHandshake)
	scanCtx, cancel := context.WithTimeout(ctx, l.handshakeTimeout)
	match, err := handshake.Scan(scanCtx, queue, handshake.Marker)
	cancel()
	if err != nil {
		select {
		case <-producer.Done():
			if readErr := producer.Err(); readErr != nil {
				err = fmt.Errorf("%w (reading engine output failed after %d lines: %s)", err, producer.Lines(), readErr)
			} else {
				err = fmt.Errorf("%w (engine output closed after %d lines)", err, producer.Lines())
			}
		default:
		}
		return nil, fmt.Errorf("awaiting handshake: %w", err)
	}
	log.Infow("engine announced control endpoint", "Line", match.Line, "LinesScanned", match.Consumed)

	res = &Result{
		SessionID:    sessionID,
		MatchedLine:  match.Line,
		LinesScanned: match.Consumed,
		ExitCode:     -1,
	}

	endpoint, ok := handshake.ParseEndpoint(match.Line)
	if !ok {
		endpoint = l.defaultEndpoint
		log.Infow("marker line has no endpoint, using default", "Endpoint", endpoint)
	}
	res.Endpoint = endpoint

	l.enter(log, StateConnecting)
	connectCtx, cancel := context.WithTimeout(ctx, l.connectTimeout)
	defer cancel()
	conn, err := l.client.Dial(connectCtx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", endpoint, err)
	}

	l.enter(log, StateSending)
	err = conn.Send(connectCtx, control.TerminateCommand)
	if closeErr := conn.Close(); closeErr != nil {
		log.Debugf("error closing control conn: %s", closeErr)
	}
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", control.TerminateCommand, err)
	}

	l.enter(log, StateDone)
	waitCtx, cancel := context.WithTimeout(ctx, l.exitTimeout)
	defer cancel()
	exit, err := proc.Wait(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for engine to exit: %w", ctx.Err())
		}
		log.Infow("engine still running after Terminate, stopping it", "ExitTimeout", l.exitTimeout)
		res.Killed = true
		return res, nil
	}
	res.ExitCode = exit.ExitCode
	log.Infow("engine exited", "ExitCode", exit.ExitCode, "TimeMS", exit.TimeMS)
	return res, nil
}

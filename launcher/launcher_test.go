package launcher

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/AlexvZyl/lumenctl/control"
	"github.com/AlexvZyl/lumenctl/handshake"
	"github.com/AlexvZyl/lumenctl/internal/stub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const engineModeEnv = "LUMENCTL_TEST_ENGINE"

// TestMain lets the test binary stand in for the engine when re-executed with engineModeEnv set.
func TestMain(m *testing.M) {
	mode := os.Getenv(engineModeEnv)
	if mode == "" {
		os.Exit(m.Run())
	}
	os.Exit(fakeEngine(mode))
}

func fakeEngine(mode string) int {
	switch mode {
	case "announce", "overlong":
		if mode == "overlong" {
			fmt.Println(strings.Repeat("x", 2<<20))
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err := stub.Run(ctx, stub.Config{
			ListenAddr: "127.0.0.1:0",
			Preamble:   []string{"[LUMEN] Starting engine", "[LUMEN] Loading shaders"},
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	case "silent":
		fmt.Println("[LUMEN] Starting engine")
		time.Sleep(time.Hour)
		return 0
	case "legacy":
		fmt.Println("[LUMEN] Starting engine")
		fmt.Println(handshake.Marker + " Server started")
		time.Sleep(time.Hour)
		return 0
	case "exit":
		fmt.Println("[LUMEN] Starting engine")
		return 1
	}
	fmt.Fprintf(os.Stderr, "unknown engine mode %q\n", mode)
	return 2
}

type stateRecorder struct {
	m      sync.Mutex
	states []State
}

func (r *stateRecorder) observe(s State) {
	r.m.Lock()
	defer r.m.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) get() []State {
	r.m.Lock()
	defer r.m.Unlock()
	return append([]State(nil), r.states...)
}

func newTestLauncher(t *testing.T, mode string, opts ...Option) (*Launcher, *stateRecorder) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("the fake engine relies on process groups")
	}
	rec := &stateRecorder{}
	base := []Option{
		WithLogger(zaptest.NewLogger(t)),
		WithEngineArgs("-test.run=^$"),
		WithEngineEnv(engineModeEnv + "=" + mode),
		WithShutdownGrace(time.Second),
		WithStateObserver(rec.observe),
	}
	return New(os.Args[0], append(base, opts...)...), rec
}

func TestRunTerminatesEngine(t *testing.T) {
	l, rec := newTestLauncher(t, "announce")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := l.Run(ctx)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.MatchedLine, handshake.Marker), res.MatchedLine)
	assert.True(t, strings.HasPrefix(res.Endpoint, "ws://127.0.0.1:"), res.Endpoint)
	assert.Equal(t, 3, res.LinesScanned)
	assert.False(t, res.Killed)
	assert.Equal(t, 0, res.ExitCode)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, []State{StateSpawning, StateAwaitingHandshake, StateConnecting, StateSending, StateDone}, rec.get())
}

func TestRunSurvivesOverlongLine(t *testing.T) {
	l, _ := newTestLauncher(t, "overlong")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := l.Run(ctx)
	require.NoError(t, err)

	// the dropped line is not counted
	assert.Equal(t, 3, res.LinesScanned)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunHandshakeTimeout(t *testing.T) {
	l, rec := newTestLauncher(t, "silent", WithHandshakeTimeout(300*time.Millisecond))

	start := time.Now()
	res, err := l.Run(context.Background())
	elapsed := time.Since(start)

	assert.Nil(t, res)
	assert.ErrorIs(t, err, handshake.ErrHandshakeTimeout)
	assert.ErrorContains(t, err, "awaiting handshake")
	assert.True(t, elapsed < 10*time.Second, "took %s", elapsed)
	assert.Equal(t, []State{StateSpawning, StateAwaitingHandshake}, rec.get())
}

func TestRunEngineExitsWithoutMarker(t *testing.T) {
	l, _ := newTestLauncher(t, "exit", WithHandshakeTimeout(time.Second))

	_, err := l.Run(context.Background())
	assert.ErrorIs(t, err, handshake.ErrHandshakeTimeout)
	assert.ErrorContains(t, err, "engine output closed after 1 lines")
}

func TestRunCanceled(t *testing.T) {
	l, _ := newTestLauncher(t, "silent")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	_, err := l.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunSpawnFailure(t *testing.T) {
	rec := &stateRecorder{}
	l := New(filepath.Join(t.TempDir(), "Lumen"), WithStateObserver(rec.observe))

	_, err := l.Run(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.ErrorContains(t, err, "spawning engine")
	assert.Equal(t, []State{StateSpawning}, rec.get())
}

func TestRunFallsBackToDefaultEndpoint(t *testing.T) {
	srv := control.NewServer(zaptest.NewLogger(t).Sugar())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	url := "ws" + strings.TrimPrefix(hs.URL, "http")

	l, _ := newTestLauncher(t, "legacy",
		WithDefaultEndpoint(url),
		WithExitTimeout(200*time.Millisecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := l.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, url, res.Endpoint)
	assert.Equal(t, 2, res.LinesScanned)
	// the legacy engine ignores Terminate, so it is stopped once the exit timeout passes
	assert.True(t, res.Killed)
	assert.Equal(t, -1, res.ExitCode)

	select {
	case sess := <-srv.Sessions():
		assert.Equal(t, []string{control.TerminateCommand}, sess.Messages)
		assert.Len(t, sess.Frames, 1)
	case <-time.After(10 * time.Second):
		t.Fatal("control server did not see a session")
	}
}

// hangingListener accepts TCP connections and never answers on them.
func hangingListener(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var m sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			m.Lock()
			conns = append(conns, c)
			m.Unlock()
		}
	}()
	t.Cleanup(func() {
		l.Close()
		m.Lock()
		defer m.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return "ws://" + l.Addr().String()
}

func TestRunConnectTimeout(t *testing.T) {
	url := hangingListener(t)
	l, rec := newTestLauncher(t, "legacy",
		WithDefaultEndpoint(url),
		WithConnectTimeout(300*time.Millisecond),
		WithDialRetries(0),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	start := time.Now()
	res, err := l.Run(ctx)
	elapsed := time.Since(start)

	assert.Nil(t, res)
	assert.ErrorContains(t, err, "connecting to "+url)
	assert.True(t, elapsed < 10*time.Second, "took %s", elapsed)
	assert.Equal(t, []State{StateSpawning, StateAwaitingHandshake, StateConnecting}, rec.get())
	assert.NoError(t, ctx.Err())
}

func TestDefaultEnginePath(t *testing.T) {
	root := t.TempDir()
	name := "Lumen"
	if runtime.GOOS == "windows" {
		name = "Lumen.exe"
	}
	bin := filepath.Join(root, "Binaries", "Executables", "x64", "Release", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0o755))
	require.NoError(t, os.WriteFile(bin, nil, 0o755))

	sub := filepath.Join(root, "Tools", "Launcher")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(sub))
	t.Cleanup(func() { os.Chdir(wd) })

	found, err := DefaultEnginePath()
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(bin)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(found)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

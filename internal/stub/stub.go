// Package stub is a stand-in for the Lumen engine's control surface.
// It prints startup lines, announces its control endpoint with the marker line and exits when told to terminate.
package stub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/AlexvZyl/lumenctl/control"
	"github.com/AlexvZyl/lumenctl/handshake"
	"go.uber.org/zap"
)

type Config struct {
	// ListenAddr is host:port for the control endpoint. Port 0 picks a free port.
	ListenAddr string
	// Preamble lines are printed before the marker line.
	Preamble []string
	// Out receives the preamble and the marker line. Defaults to os.Stdout.
	Out io.Writer
	Log *zap.SugaredLogger
	// DrainTimeout bounds how long to wait after Terminate for the client to finish closing.
	DrainTimeout time.Duration
}

// AnnounceLine is the marker line for a control endpoint listening on addr.
func AnnounceLine(addr string) string {
	return fmt.Sprintf("%s Listening on ws://%s", handshake.Marker, addr)
}

// Run serves the control endpoint until a client sends Terminate or ctx is done.
func Run(ctx context.Context, cfg Config) error {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("stub")
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	drainTimeout := cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 2 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	srv := control.NewServer(log)
	httpServer := &http.Server{Handler: srv.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		err := httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	for _, line := range cfg.Preamble {
		fmt.Fprintln(out, line)
	}
	addr := listener.Addr().String()
	fmt.Fprintln(out, AnnounceLine(addr))
	log.Debugw("control endpoint up", "Addr", addr)

	select {
	case <-srv.Terminated():
		log.Info("received Terminate, shutting down")
		select {
		case <-srv.Sessions():
		case <-time.After(drainTimeout):
			log.Debug("client did not close in time")
		}
	case <-ctx.Done():
		httpServer.Close()
		<-serveErr
		return ctx.Err()
	case err := <-serveErr:
		return fmt.Errorf("serving control endpoint: %w", err)
	}

	httpServer.Close()
	return <-serveErr
}

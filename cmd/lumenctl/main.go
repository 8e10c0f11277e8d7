package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlexvZyl/lumenctl/control"
	"github.com/AlexvZyl/lumenctl/engine"
	"github.com/AlexvZyl/lumenctl/launcher"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "lumenctl",
		Usage: "launch the Lumen engine, wait for its control endpoint and tell it to terminate",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "engine",
				Usage:   "Path to the engine executable. Found by searching up for Binaries/Executables/x64/Release if empty.",
				EnvVars: []string{"LUMENCTL_ENGINE"},
			},
			&cli.DurationFlag{
				Name:    "handshake-timeout",
				Usage:   "How long to wait for the engine to announce its control endpoint.",
				Value:   launcher.DefaultHandshakeTimeout,
				EnvVars: []string{"LUMENCTL_HANDSHAKE_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "exit-timeout",
				Usage:   "How long to wait for the engine to exit after Terminate before stopping it.",
				Value:   launcher.DefaultExitTimeout,
				EnvVars: []string{"LUMENCTL_EXIT_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "connect-timeout",
				Usage:   "How long to allow for connecting to the control endpoint and sending Terminate.",
				Value:   launcher.DefaultConnectTimeout,
				EnvVars: []string{"LUMENCTL_CONNECT_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "shutdown-grace",
				Usage:   "Time between SIGTERM and SIGKILL when the engine has to be stopped.",
				Value:   engine.DefaultGrace,
				EnvVars: []string{"LUMENCTL_SHUTDOWN_GRACE"},
			},
			&cli.IntFlag{
				Name:    "dial-retries",
				Usage:   "Number of times to retry connecting to the control endpoint.",
				Value:   control.DefaultDialRetries,
				EnvVars: []string{"LUMENCTL_DIAL_RETRIES"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"LUMENCTL_LOG_LEVEL"},
			},
		},
		Action: func(c *cli.Context) error {
			var level zapcore.Level
			if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
				return err
			}
			cfg := zap.NewDevelopmentConfig()
			cfg.Level = zap.NewAtomicLevelAt(level)
			logger, err := cfg.Build()
			if err != nil {
				return err
			}
			defer logger.Sync()

			enginePath := c.String("engine")
			if enginePath == "" {
				enginePath, err = launcher.DefaultEnginePath()
				if err != nil {
					return fmt.Errorf("finding engine: %w", err)
				}
			}

			l := launcher.New(enginePath,
				launcher.WithLogger(logger),
				launcher.WithEngineStderr(os.Stderr),
				launcher.WithHandshakeTimeout(c.Duration("handshake-timeout")),
				launcher.WithExitTimeout(c.Duration("exit-timeout")),
				launcher.WithConnectTimeout(c.Duration("connect-timeout")),
				launcher.WithShutdownGrace(c.Duration("shutdown-grace")),
				launcher.WithDialRetries(c.Int("dial-retries")),
			)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			start := time.Now()
			res, err := l.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Println(res.MatchedLine)
			logger.Sugar().Infow("done",
				"Endpoint", res.Endpoint,
				"LinesScanned", res.LinesScanned,
				"ExitCode", res.ExitCode,
				"Killed", res.Killed,
				"Elapsed", time.Since(start),
			)
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

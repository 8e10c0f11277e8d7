package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/AlexvZyl/lumenctl/internal/stub"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "lumenstub",
		Usage: "a stand-in for the Lumen engine's WebSocket control endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the control endpoint to listen on. Port 0 picks a free port.",
				Value:   "127.0.0.1:8083",
				EnvVars: []string{"LUMENSTUB_LISTEN_ADDR"},
			},
			&cli.StringSliceFlag{
				Name:  "preamble",
				Usage: "Lines to print before the marker line.",
				Value: cli.NewStringSlice("[LUMEN] Starting engine"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"LUMENSTUB_LOG_LEVEL"},
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

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = stub.Run(ctx, stub.Config{
				ListenAddr: c.String("listen-addr"),
				Preamble:   c.StringSlice("preamble"),
				Log:        logger.Sugar(),
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// fc-remote is the reference Remote Runtime. The Local Runtime starts it as
//
//	fc-remote [--trace file] [--metrics addr] [--config file] sock xsock
//
// where sock is the forward socket it serves and xsock the reverse socket
// it dials.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/danmuck/fcbridge/internal/config"
	"github.com/danmuck/fcbridge/internal/logging"
	"github.com/danmuck/fcbridge/internal/observability"
	"github.com/danmuck/fcbridge/internal/remote"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fc-remote: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	tracePath := flag.String("trace", "", "write a runtime trace to this file")
	metricsAddr := flag.String("metrics", "", "serve prometheus metrics on this address")
	configPath := flag.String("config", "", "remote runtime config.toml")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: fc-remote [flags] sock xsock\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	logging.ConfigureRuntime("fc-remote")

	cfg := remote.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadRemoteConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	switch flag.NArg() {
	case 0:
	case 2:
		cfg.ForwardSocket, cfg.ReverseSocket = flag.Arg(0), flag.Arg(1)
	default:
		flag.Usage()
		return errors.New("expected sock and xsock")
	}

	if *tracePath != "" {
		f, err := os.Create(*tracePath)
		if err != nil {
			return fmt.Errorf("trace: %w", err)
		}
		defer f.Close()
		if err := trace.Start(f); err != nil {
			return fmt.Errorf("trace: %w", err)
		}
		defer trace.Stop()
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", *metricsAddr).Msg("fc-remote metrics server stopped")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		log.Info().Str("addr", *metricsAddr).Msg("fc-remote serving metrics")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := remote.New(cfg)
	log.Info().Str("session", rt.SessionID()).Int("pid", os.Getpid()).Msg("fc-remote starting")
	err := rt.Serve(ctx)
	st := rt.Stats()
	log.Info().Err(err).Int("objects", st.Objects).Msg("fc-remote stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

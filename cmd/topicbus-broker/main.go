// Copyright 2023 The topicbus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the entrypoint for the topicbus broker. It serves the
// reliable (TCP) and unreliable (UDP) transports on the same port.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/topicbus/pkg/broker"
	"github.com/turtacn/topicbus/pkg/config"
	"github.com/turtacn/topicbus/pkg/metrics"
	"github.com/turtacn/topicbus/pkg/monitor"
	"github.com/turtacn/topicbus/pkg/supervisor"
	"github.com/turtacn/topicbus/pkg/transport"
)

const (
	shutdownTimeout = 10 * time.Second
	healthInterval  = 15 * time.Second
)

var errQuit = errors.New("quit requested on stdin")

func main() {
	cfg := config.DefaultBrokerConfig()
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Listen address for /metrics (disabled when empty)")
	flag.DurationVar(&cfg.UDPIdleTimeout, "udp-idle", cfg.UDPIdleTimeout, "Expire UDP subscriptions after this much silence (0 disables)")
	flag.IntVar(&cfg.MailboxSize, "mailbox", cfg.MailboxSize, "Outbound queue length per TCP session")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "topicbus broker\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] <port>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Listens for TCP and UDP clients on <port>. Type 'quit' on stdin or send SIGINT to stop.\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s 9000\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -metrics=:9100 -udp-idle=5m 9000\n", os.Args[0])
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	port, err := config.ParsePort(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.Port = port
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel)

	if err := run(cfg, os.Stdin); err != nil {
		slog.Error("broker failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	lvl, _ := config.ParseLogLevel(level)
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log := zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: lvl}),
	))
}

// run serves until a signal, a quit command on stdin, or a fatal error.
func run(cfg *config.BrokerConfig, stdin io.Reader) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(sigCtx)
	defer cancel(nil)

	go watchStdin(stdin, func() { cancel(errQuit) })

	g, gctx := errgroup.WithContext(ctx)

	b := broker.New()
	sup := supervisor.New()

	tcp := transport.NewTCPServer(b, sup, transport.WithMailboxSize(cfg.MailboxSize))
	if err := tcp.Start(gctx, cfg.ListenAddr()); err != nil {
		return err
	}
	udp := transport.NewUDPServer(b, sup, transport.WithIdleTimeout(cfg.UDPIdleTimeout))
	if err := udp.Start(gctx, cfg.ListenAddr()); err != nil {
		tcp.Stop()
		return err
	}
	slog.Info("broker ready", "port", cfg.Port)

	hc := newHealthChecker(tcp, sup)
	slog.Info("health checks registered", "checks", hc.Checks())
	g.Go(func() error {
		watchHealth(gctx, hc, healthInterval)
		return nil
	})

	if cfg.MetricsAddr != "" {
		health := monitor.NewHealthServer(hc)
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr, health.RegisterRoutes)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "reason", context.Cause(gctx))
		tcp.Stop()
		udp.Stop()

		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := sup.Shutdown(shutdownCtx); err != nil {
			return err
		}
		topics, subs := b.Topics().Len()
		slog.Info("broker stopped", "topics", topics, "subscriptions", subs)
		return nil
	})

	return g.Wait()
}

// newHealthChecker reports the broker unhealthy once either transport has
// stopped accepting traffic.
func newHealthChecker(tcp *transport.TCPServer, sup *supervisor.Supervisor) *monitor.HealthChecker {
	hc := monitor.NewHealthChecker()
	hc.RegisterCheck("tcp-listener", func() error {
		if !tcp.Running() {
			return errors.New("not accepting connections")
		}
		return nil
	}, true)
	hc.RegisterCheck("udp-receiver", func() error {
		if !slices.Contains(sup.Active(), transport.UDPReceiverID) {
			return errors.New("receive loop not running")
		}
		return nil
	}, true)
	return hc
}

// watchHealth runs the checks every interval until ctx is done and logs each
// change of the overall state.
func watchHealth(ctx context.Context, hc *monitor.HealthChecker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := hc.IsHealthy()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := hc.RunChecks()
			if hc.IsHealthy() == healthy {
				continue
			}
			healthy = !healthy
			if healthy {
				slog.Info("broker healthy again")
				continue
			}
			for name, res := range status.Checks {
				if res.Status == monitor.StatusFailed && res.Critical {
					slog.Warn("broker unhealthy", "check", name, "error", res.Message)
				}
			}
		}
	}
}

// watchStdin calls quit when a line reading "quit" arrives. End of input is
// not a quit request, so the broker keeps running with stdin detached.
func watchStdin(r io.Reader, quit func()) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "quit" {
			quit()
			return
		}
	}
}

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

// package main is the topicbus command-line client. A publisher sends each
// line of stdin on one topic; a subscriber prints what arrives on its topics.
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
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"

	"github.com/turtacn/topicbus/pkg/client"
	"github.com/turtacn/topicbus/pkg/config"
	"github.com/turtacn/topicbus/pkg/protocol/frame"
)

func main() {
	cfg := config.DefaultClientConfig()
	flag.DurationVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "UDP wait for a PUBLISH acknowledgment")
	flag.DurationVar(&cfg.SubscribeTimeout, "subscribe-timeout", cfg.SubscribeTimeout, "UDP wait for each SUBSCRIBE acknowledgment")
	flag.DurationVar(&cfg.TerminateTimeout, "terminate-timeout", cfg.TerminateTimeout, "UDP wait for the TERMINATE acknowledgment")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "topicbus client\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] <addr> <port> <reliable|unreliable> <publish|subscribe> <topic> [topic...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "A publisher takes exactly one topic and sends each stdin line until EOF.\n")
		fmt.Fprintf(os.Stderr, "A subscriber takes one or more topics and prints every delivery.\n")
		fmt.Fprintf(os.Stderr, "tcp/udp and pub/sub are accepted as aliases.\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s 127.0.0.1 9000 tcp sub weather alerts\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s 127.0.0.1 9000 udp pub weather\n", os.Args[0])
	}
	flag.Parse()

	if err := parseArgs(cfg, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	lvl, _ := config.ParseLogLevel(cfg.LogLevel)
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log := zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: lvl}),
	))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, cfg.Transport, cfg.Addr(), client.Timeouts{
		Ack:       cfg.AckTimeout,
		Subscribe: cfg.SubscribeTimeout,
		Terminate: cfg.TerminateTimeout,
	})
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	fmt.Printf("[CLIENT] Transport=%s, Role=%s, Server=%s\n", cfg.Transport, cfg.Role, cfg.Addr())

	if cfg.Role == config.RolePublish {
		err = publish(ctx, c, cfg.Topics[0], os.Stdin, os.Stdout, os.Stderr)
	} else {
		err = subscribe(ctx, c, cfg.Topics, os.Stdout, os.Stderr)
	}
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(1)
	}
}

// parseArgs fills cfg from the positional arguments and validates it.
func parseArgs(cfg *config.ClientConfig, args []string) error {
	if len(args) < 5 {
		return fmt.Errorf("expected at least 5 arguments, got %d", len(args))
	}
	cfg.Host = args[0]
	port, err := config.ParsePort(args[1])
	if err != nil {
		return err
	}
	cfg.Port = port
	if cfg.Transport, err = config.ParseTransport(args[2]); err != nil {
		return err
	}
	if cfg.Role, err = config.ParseRole(args[3]); err != nil {
		return err
	}
	cfg.Topics = args[4:]
	return cfg.Validate()
}

// publish sends each line of in on topic, then terminates the session.
func publish(ctx context.Context, c *client.Client, topic string, in io.Reader, out, errOut io.Writer) error {
	fmt.Fprintf(out, "[PUBLISHER READY] Topic='%s'. Type messages; Ctrl+D to quit.\n", topic)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case line, ok := <-lines:
			if !ok {
				done = true
				break
			}
			err := c.Publish(ctx, topic, []byte(line))
			switch {
			case err == nil:
				fmt.Fprintf(out, "%s PUBLISH confirmed via %s\n", color.GreenString("[ACK]"), c.Transport())
			case errors.Is(err, client.ErrNoAck):
				fmt.Fprintf(errOut, "%s No ACK for PUBLISH (%s). Continuing.\n", color.YellowString("[WARN]"), c.Transport())
			case errors.Is(err, frame.ErrMalformed):
				fmt.Fprintf(errOut, "%s line not sent: %v\n", color.YellowString("[WARN]"), err)
			default:
				return fmt.Errorf("publish failed: %w", err)
			}
		}
	}

	termCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Terminate(termCtx, topic); err == nil {
		fmt.Fprintf(out, "%s TERM confirmed via %s\n", color.GreenString("[ACK]"), c.Transport())
	} else {
		slog.Debug("terminate not acknowledged", "error", err)
	}
	return nil
}

// subscribe registers for topics and prints deliveries until ctx is done or
// the broker closes the connection.
func subscribe(ctx context.Context, c *client.Client, topics []string, out, errOut io.Writer) error {
	for _, t := range topics {
		err := c.Subscribe(ctx, t)
		switch {
		case err == nil:
			fmt.Fprintf(out, "%s SUBSCRIBE confirmed for '%s' via %s\n", color.GreenString("[ACK]"), t, c.Transport())
		case errors.Is(err, client.ErrNoAck):
			fmt.Fprintf(errOut, "%s No ACK for SUBSCRIBE '%s' (continuing to listen)\n", color.YellowString("[WARN]"), t)
		default:
			return fmt.Errorf("subscribe %q failed: %w", t, err)
		}
	}
	fmt.Fprintf(out, "[READY] Subscribed to %d topic(s). Waiting for messages...\n", len(topics))

	for {
		d, err := c.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, frame.ErrConnectionClosed) {
				fmt.Fprintln(errOut, "[INFO] Server closed connection.")
				return nil
			}
			return fmt.Errorf("receive failed: %w", err)
		}
		fmt.Fprintln(out, formatDelivery(d))
	}
}

// formatDelivery renders a delivery as a [RECEIVED] line. Undecodable
// payloads are shown with a <b64-decode-error> marker.
func formatDelivery(d client.Delivery) string {
	text, err := d.Text()
	if err != nil {
		text = "<b64-decode-error>"
	}
	return fmt.Sprintf("%s Topic='%s' base64=%s | text=%s", color.CyanString("[RECEIVED]"), d.Topic, d.Payload, text)
}

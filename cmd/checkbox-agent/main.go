// Package main is an interactive checkbox client.
//
// It reads commands from stdin, one per line:
//
//	c,<index>          check
//	u,<index>          uncheck
//	get,<start>,<end>  fetch a range
//	stats              print the local mirror's counters
//
// and prints every frame the server sends. Without --url it looks for a
// server on the local network over mDNS. Lost connections are retried with
// exponential backoff.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ochmanski/tenmillioncheckboxes/internal/client"
	"github.com/ochmanski/tenmillioncheckboxes/internal/discovery"
	"github.com/ochmanski/tenmillioncheckboxes/internal/log"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	logger logrus.FieldLogger = logrus.StandardLogger()

	serverURL     string
	logLevel      string
	browseTimeout time.Duration

	rootCmd = &cobra.Command{
		Use:          "checkbox-agent",
		Short:        "Interactive client for a checkbox server.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         run,
	}
)

type sender interface {
	Send(text string) error
}

// handleLine executes one stdin command.
func handleLine(c sender, mirror *client.Mirror, line string, out io.Writer) error {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return nil
	case "stats":
		_, err := fmt.Fprintf(out, "known=%d checked=%d\n", mirror.Len(), mirror.CountChecked())
		return err
	}
	return c.Send(line)
}

func resolveURL(ctx context.Context) (string, error) {
	if serverURL != "" {
		return serverURL, nil
	}
	browseCtx, cancel := context.WithTimeout(ctx, browseTimeout)
	defer cancel()
	ep, err := discovery.Browse(browseCtx)
	if err != nil {
		return "", errors.Wrap(err, "discover server failed")
	}
	logger.WithField("instance", ep.Instance).Info("discovered server")
	return ep.URL(), nil
}

// serve runs one connection. It returns nil when the agent should stop and
// an error when it should reconnect.
func serve(ctx context.Context, c *client.Client, mirror *client.Mirror, lines <-chan string, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-c.Frames():
			if !ok {
				return errors.Wrap(c.Err(), "connection lost")
			}
			if err := mirror.Apply(frame); err != nil {
				logger.WithError(err).Debug("frame not mirrored")
			}
			fmt.Fprintln(out, frame)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(c, mirror, line, out); err != nil {
				return errors.Wrap(err, "handle command failed")
			}
		}
	}
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func run(cmd *cobra.Command, _ []string) error {
	log.SetLogger(logLevel)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go readLines(os.Stdin, lines)
	mirror := client.NewMirror()

	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(eb, ctx)

	connect := func() error {
		target, err := resolveURL(ctx)
		if err != nil {
			return err
		}
		c, err := client.Dial(ctx, target)
		if err != nil {
			return err
		}
		defer c.Close()
		eb.Reset()
		logger.WithField("url", target).Info("connected")
		return serve(ctx, c, mirror, lines, os.Stdout)
	}
	notify := func(err error, wait time.Duration) {
		logger.WithError(err).WithField("retry_in", wait.String()).Warn("disconnected")
	}
	if err := backoff.RetryNotify(connect, b, notify); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&serverURL, "url", os.Getenv("CHECKBOXES_URL"), "server websocket url, e.g. ws://localhost:8080/ws")
	flags.StringVar(&logLevel, "log-level", "info", "trace, debug, info, warn or error")
	flags.DurationVar(&browseTimeout, "browse-timeout", 15*time.Second, "how long to look for a server over mDNS")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(errors.Wrap(err, "execute root command failed"))
	}
}

// ABOUTME: The open command: an interactive view of one conversation
// ABOUTME: Runs the session, the renderer, stdin input and the metrics endpoint under one errgroup

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/convosync/internal/dedupe"
	"github.com/2389/convosync/internal/metrics"
	"github.com/2389/convosync/internal/remote"
	"github.com/2389/convosync/internal/repository"
	"github.com/2389/convosync/internal/session"
	"github.com/2389/convosync/internal/store"
)

// errQuit ends the interactive loop without an error.
var errQuit = errors.New("quit")

const helpText = `commands:
  <text>          send a message
  /up [n]         scroll up n lines (default: a page)
  /down [n]       scroll down n lines
  /bottom         jump to the newest message
  /retry <id>     resend a failed message
  /dismiss <id>   drop a failed message
  /close          close the conversation
  /refresh        fetch the conversation now
  /quit           leave`

func newOpenCmd(a *app) *cobra.Command {
	var rows int
	cmd := &cobra.Command{
		Use:   "open <conversation-id>",
		Short: "Open a conversation and keep it in sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runOpen(cmd.Context(), args[0], rows, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().IntVar(&rows, "rows", 20, "timeline rows shown at once")
	return cmd
}

func (a *app) runOpen(ctx context.Context, conversationID string, rows int, in io.Reader, out io.Writer) error {
	cfg := a.cfg
	provider, err := a.authProvider()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	rec := metrics.New(reg)

	repo := repository.New(repository.Options{
		BaseURL:           cfg.Server.BaseURL,
		Auth:              provider,
		Timeout:           cfg.Server.RequestTimeout,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		Logger:            a.logger,
	})

	deps := session.Deps{
		Repository: repo,
		Auth:       provider,
		Logger:     a.logger,
		Metrics:    rec,
	}
	if cfg.Sync.PushEnabled {
		deps.Push = remote.NewPusher(remote.PusherOptions{
			URL:            cfg.PushURL(),
			ConversationID: conversationID,
			Auth:           provider,
			Dedupe:         dedupe.New(cfg.Sync.DedupeWindow, cfg.Sync.DedupeSize),
			Logger:         a.logger,
			Metrics:        rec,
		})
	}
	if cfg.Store.Path != "" {
		drafts, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("opening draft store: %w", err)
		}
		defer drafts.Close()
		deps.Store = drafts
	}

	s, err := session.New(session.Config{
		ConversationID: conversationID,
		PollEnabled:    cfg.Sync.PollEnabled,
		PollInterval:   cfg.Sync.PollInterval,
		AutoRetry:      cfg.Outbox.AutoRetry,
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		RetryDelay:     cfg.Outbox.RetryDelay,
	}, deps)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(gctx) })
	if cfg.Metrics.Enabled {
		serveMetrics(gctx, g, cfg.Metrics.Addr, cfg.Metrics.Path, reg)
	}

	ui := &console{session: s, screen: newScreen(out, rows, time.Now)}
	lines := readLines(in)
	g.Go(func() error { return ui.loop(gctx, lines) })

	err = g.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// readLines feeds stdin lines to a channel that is closed at EOF. The reader
// goroutine cannot be interrupted and is left behind on exit.
func readLines(in io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr, path string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// console connects user input and session output to the screen.
type console struct {
	session *session.Session
	screen  *screen
}

func (c *console) loop(ctx context.Context, lines <-chan string) error {
	c.screen.Update(c.session.View())
	c.screen.Notify("type /help for commands")
	c.screen.Draw()

	updates := c.session.Updates()
	errs := c.session.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-updates:
			if !ok {
				return nil
			}
			c.screen.Update(v)
		case e, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.screen.Notify("%s", failedColor.Sprint(describe(e)))
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := c.handle(ctx, line); err != nil {
				return err
			}
		}
		c.screen.Draw()
	}
}

// handle runs one line of input. Only errQuit ends the loop; other failures
// are shown as notices.
func (c *console) handle(ctx context.Context, line string) error {
	name, arg, isCommand := parseInput(line)
	if !isCommand {
		if strings.TrimSpace(line) == "" {
			return nil
		}
		if _, err := c.session.Send(ctx, line); err != nil {
			c.screen.Notify("%s", failedColor.Sprint(describe(err)))
		}
		return nil
	}

	var err error
	switch name {
	case "quit", "exit", "q":
		return errQuit
	case "help":
		c.screen.Notify("%s", helpText)
	case "up":
		c.screen.Up(count(arg, c.screen.height))
	case "down":
		c.screen.Down(count(arg, c.screen.height))
	case "bottom":
		c.screen.Bottom()
	case "close":
		if err = c.session.Close(ctx); err == nil {
			c.screen.Notify("conversation closed")
		}
	case "retry":
		err = c.session.Retry(ctx, arg)
	case "dismiss":
		err = c.session.Dismiss(ctx, arg)
	case "refresh":
		err = c.session.Refresh(ctx)
	default:
		c.screen.Notify("unknown command /%s, try /help", name)
	}
	if err != nil {
		c.screen.Notify("%s", failedColor.Sprint(describe(err)))
	}
	return nil
}

// parseInput splits "/name arg" commands from plain message text.
func parseInput(line string) (name, arg string, isCommand bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || len(line) == 1 {
		return "", "", false
	}
	name, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg), true
}

func count(arg string, def int) int {
	if n, err := strconv.Atoi(arg); err == nil && n > 0 {
		return n
	}
	return def
}

func describe(err error) string {
	var serr *session.Error
	switch {
	case errors.As(err, &serr) && serr.Kind == session.SendFailure:
		return fmt.Sprintf("message %s was not sent: %v", serr.MessageID, serr.Err)
	case errors.As(err, &serr) && serr.Kind == session.TransportDisconnect:
		return "live updates disconnected; /refresh to catch up"
	case errors.Is(err, session.ErrConversationClosed):
		return "the conversation is closed"
	case errors.Is(err, session.ErrCloseInProgress):
		return "already closing the conversation"
	case errors.Is(err, session.ErrNotReady):
		return "still loading"
	default:
		return err.Error()
	}
}

// ABOUTME: Standalone in-memory conversation backend for E2E testing
// ABOUTME: Usage: convosync-fake [-addr localhost:8000] [-secret s] [-seed id,id] [-echo-delay 1s]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/2389/convosync/internal/fakeserver"
	"github.com/2389/convosync/internal/message"
)

func main() {
	addr := flag.String("addr", "localhost:8000", "listen address")
	secret := flag.String("secret", "", "HS256 secret; empty disables authentication")
	seed := flag.String("seed", "", "comma-separated conversation ids to create")
	userID := flag.String("user", "1", "customer id of seeded conversations and the printed token")
	echo := flag.Bool("echo", true, "reply to every outbound message")
	echoDelay := flag.Duration("echo-delay", fakeserver.DefaultEchoDelay, "delay before an echo reply")
	debug := flag.Bool("debug", false, "log every request")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	fs := fakeserver.New(fakeserver.Options{
		JWTSecret: []byte(*secret),
		Echo:      *echo,
		EchoDelay: *echoDelay,
		Logger:    logger,
	})
	defer fs.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	who := message.Identity{ID: *userID, Username: "customer"}
	if err := run(ctx, fs, *addr, who, strings.Split(*seed, ","), *secret != ""); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, fs *fakeserver.Server, addr string, who message.Identity, seed []string, withAuth bool) error {
	seeded, err := fs.Seed(who, seed...)
	if err != nil {
		return err
	}
	for _, id := range seeded {
		fmt.Fprintf(os.Stderr, "seeded conversation %s\n", id)
	}

	if withAuth {
		tok, err := fs.Token(who, 24*time.Hour)
		if err != nil {
			return fmt.Errorf("issuing token: %w", err)
		}
		// Token on stdout so scripts can capture it
		fmt.Println(tok)
	}

	fmt.Fprintf(os.Stderr, "listening on http://%s\n", addr)
	return fs.ListenAndServe(ctx, addr)
}

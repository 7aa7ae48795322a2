// ABOUTME: Startup helpers shared by the dev backend entry points
// ABOUTME: Seeds conversations with the echo agent and serves HTTP until the context ends

package fakeserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/2389/convosync/internal/message"
)

const shutdownTimeout = 5 * time.Second

// EchoAgent is the agent of seeded conversations.
var EchoAgent = message.Participant{ID: "0", Username: "echo-agent"}

// Seed creates an OPEN conversation between customer and EchoAgent for each
// id. Blank ids are skipped.
func (s *Server) Seed(customer message.Identity, ids ...string) ([]string, error) {
	var seeded []string
	for _, id := range ids {
		if id = strings.TrimSpace(id); id == "" {
			continue
		}
		agent := EchoAgent
		if err := s.CreateConversation(id, &message.Participant{ID: customer.ID, Username: customer.Username}, &agent); err != nil {
			return seeded, fmt.Errorf("seeding %s: %w", id, err)
		}
		seeded = append(seeded, id)
	}
	return seeded, nil
}

// ListenAndServe serves Handler on addr until ctx is done. Push
// subscriptions are closed before the listener shuts down so websocket
// handlers return.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

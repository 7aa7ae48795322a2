// ABOUTME: The serve-fake command: runs the in-memory backend for local development
// ABOUTME: Seeds conversations and prints a bearer token for the configured user

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2389/convosync/internal/fakeserver"
	"github.com/2389/convosync/internal/message"
)

const tokenTTL = 24 * time.Hour

type serveFakeFlags struct {
	seed     []string
	userID   string
	username string
}

func newServeFakeCmd(a *app) *cobra.Command {
	var f serveFakeFlags
	cmd := &cobra.Command{
		Use:   "serve-fake",
		Short: "Run an in-memory conversation backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServeFake(cmd.Context(), f)
		},
	}
	cmd.Flags().StringSliceVar(&f.seed, "seed", nil, "conversation ids to create at startup (default: one random id)")
	cmd.Flags().StringVar(&f.userID, "user-id", "1", "user id of the printed token and seeded customer")
	cmd.Flags().StringVar(&f.username, "username", "customer", "username of the printed token")
	return cmd
}

func (a *app) runServeFake(ctx context.Context, f serveFakeFlags) error {
	fc := a.cfg.Fake
	var secret []byte
	if fc.JWTSecret != "" {
		secret = []byte(fc.JWTSecret)
	}

	fs := fakeserver.New(fakeserver.Options{
		JWTSecret: secret,
		Echo:      fc.Echo,
		EchoDelay: fc.EchoDelay,
		Logger:    a.logger,
	})
	defer fs.Close()

	who := message.Identity{ID: f.userID, Username: f.username}
	ids := f.seed
	if len(ids) == 0 {
		ids = []string{uuid.NewString()}
	}
	seeds, err := fs.Seed(who, ids...)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Listening: http://%s\n", fc.Addr)
	for _, id := range seeds {
		green.Print("    ▶ ")
		fmt.Printf("Conversation: %s\n", id)
	}
	if secret != nil {
		tok, err := fs.Token(who, tokenTTL)
		if err != nil {
			return fmt.Errorf("issuing token: %w", err)
		}
		green.Print("    ▶ ")
		fmt.Printf("Token (%s): %s\n", who.Username, tok)
	} else {
		color.New(color.FgYellow).Println("    ! authentication disabled; any token is accepted")
	}
	fmt.Println()

	return fs.ListenAndServe(ctx, fc.Addr)
}

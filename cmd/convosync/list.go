// ABOUTME: The list command: the caller's conversations, most recently active first
// ABOUTME: Shows status, relative update time and a preview of the last message

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/2389/convosync/internal/message"
	"github.com/2389/convosync/internal/repository"
)

const previewWidth = 48

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runList(cmd.Context(), os.Stdout)
		},
	}
}

func (a *app) runList(ctx context.Context, out io.Writer) error {
	provider, err := a.authProvider()
	if err != nil {
		return err
	}
	repo := repository.New(repository.Options{
		BaseURL: a.cfg.Server.BaseURL,
		Auth:    provider,
		Timeout: a.cfg.Server.RequestTimeout,
		Logger:  a.logger,
	})

	convs, err := repo.FetchConversationList(ctx)
	if err != nil {
		return fmt.Errorf("fetching conversations: %w", err)
	}
	if len(convs) == 0 {
		fmt.Fprintln(out, "no conversations")
		return nil
	}

	sortByActivity(convs)
	return writeList(out, convs, time.Now())
}

// sortByActivity orders conversations by updated_at, newest first.
func sortByActivity(convs []message.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}

func writeList(out io.Writer, convs []message.Conversation, now time.Time) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tUPDATED\tLAST MESSAGE")
	for _, c := range convs {
		updated := "-"
		if !c.UpdatedAt.IsZero() {
			updated = humanize.RelTime(c.UpdatedAt, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Status, updated, preview(c))
	}
	return tw.Flush()
}

func preview(c message.Conversation) string {
	last, ok := c.LastMessage()
	if !ok {
		return ""
	}
	text := strings.Join(strings.Fields(last.Content), " ")
	if r := []rune(text); len(r) > previewWidth {
		text = string(r[:previewWidth-1]) + "…"
	}
	return text
}

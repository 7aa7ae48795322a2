// ABOUTME: Line-based terminal viewport rendering a session view
// ABOUTME: Scroll position is driven by the scroll anchor controller

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/2389/convosync/internal/message"
	"github.com/2389/convosync/internal/scroll"
	"github.com/2389/convosync/internal/session"
)

const clearScreen = "\033[H\033[2J"

var (
	mineColor    = color.New(color.FgGreen, color.Bold)
	theirsColor  = color.New(color.FgCyan, color.Bold)
	pendingColor = color.New(color.FgYellow)
	failedColor  = color.New(color.FgRed)
	dimColor     = color.New(color.FgHiBlack)
)

// screen renders a session view into a fixed number of timeline rows.
type screen struct {
	out    io.Writer
	height int
	offset int
	lines  []string
	notice string
	view   session.View
	now    func() time.Time
	anchor *scroll.Controller
}

func newScreen(out io.Writer, height int, now func() time.Time) *screen {
	if height < 1 {
		height = 1
	}
	s := &screen{out: out, height: height, now: now}
	s.anchor = scroll.New(s, scroll.DefaultTolerance)
	return s
}

// ScrollToBottom implements scroll.Viewport.
func (s *screen) ScrollToBottom() {
	s.offset = max(0, len(s.lines)-s.height)
}

// Update lays out v. The follow decision is taken before the new lines
// replace the old ones.
func (s *screen) Update(v session.View) {
	s.anchor.TimelineChanged(len(v.Timeline))
	s.view = v
	s.lines = s.layout(v)
	s.offset = min(s.offset, max(0, len(s.lines)-s.height))
	s.anchor.AfterRender()
}

func (s *screen) Up(n int)   { s.scrollTo(s.offset - n) }
func (s *screen) Down(n int) { s.scrollTo(s.offset + n) }

func (s *screen) Bottom() {
	s.ScrollToBottom()
	s.anchor.OnScroll(s.offset, s.height, len(s.lines))
}

func (s *screen) scrollTo(offset int) {
	s.offset = max(0, min(offset, len(s.lines)-s.height))
	s.anchor.OnScroll(s.offset, s.height, len(s.lines))
}

// Notify shows msg below the timeline until the next notice.
func (s *screen) Notify(format string, args ...any) {
	s.notice = fmt.Sprintf(format, args...)
}

// Visible returns the timeline rows currently in the viewport.
func (s *screen) Visible() []string {
	end := min(len(s.lines), s.offset+s.height)
	return s.lines[s.offset:end]
}

func (s *screen) Draw() {
	var b strings.Builder
	b.WriteString(clearScreen)
	b.WriteString(s.header())
	b.WriteString("\n")
	b.WriteString(dimColor.Sprint(strings.Repeat("─", 60)))
	b.WriteString("\n")

	visible := s.Visible()
	for _, l := range visible {
		b.WriteString(l)
		b.WriteString("\n")
	}
	for i := len(visible); i < s.height; i++ {
		b.WriteString("\n")
	}

	if !s.anchor.IsAtBottom() {
		b.WriteString(dimColor.Sprint("  ↓ more below, /bottom to jump"))
	}
	b.WriteString("\n")
	if s.notice != "" {
		b.WriteString(s.notice)
	}
	b.WriteString("\n> ")
	_, _ = io.WriteString(s.out, b.String())
}

func (s *screen) header() string {
	v := s.view
	var b strings.Builder
	fmt.Fprintf(&b, "conversation %s  ", v.ConversationID)

	switch {
	case v.State == session.StateLoading:
		b.WriteString(pendingColor.Sprint("loading"))
	case v.State == session.StateError:
		b.WriteString(failedColor.Sprint("error"))
	case v.Status == message.ConversationClosed:
		b.WriteString(failedColor.Sprint("CLOSED"))
	default:
		b.WriteString(mineColor.Sprint("OPEN"))
	}

	if v.Agent != nil {
		fmt.Fprintf(&b, "  agent %s", displayName(v.Agent))
	}
	if v.Customer != nil {
		fmt.Fprintf(&b, "  customer %s", displayName(v.Customer))
	}
	if !v.PushConnected {
		b.WriteString(dimColor.Sprint("  (polling)"))
	}
	return b.String()
}

func (s *screen) layout(v session.View) []string {
	lines := make([]string, 0, len(v.Timeline))
	for _, m := range v.Timeline {
		lines = append(lines, s.formatMessage(v, m)...)
	}
	return lines
}

func (s *screen) formatMessage(v session.View, m message.Message) []string {
	var who string
	if v.Mine(m) {
		who = mineColor.Sprint("you")
	} else {
		who = theirsColor.Sprint(authorName(v, m))
	}
	when := dimColor.Sprint(humanize.RelTime(m.Timestamp, s.now(), "ago", "from now"))

	var mark string
	switch m.Status {
	case message.StatusPending:
		mark = pendingColor.Sprint(" …")
	case message.StatusFailed:
		mark = failedColor.Sprintf(" ✗ not sent (/retry %s or /dismiss %s)", m.ID, m.ID)
	}

	body := strings.Split(m.Content, "\n")
	out := make([]string, 0, len(body))
	out = append(out, fmt.Sprintf("%s %s: %s%s", when, who, body[0], mark))
	for _, l := range body[1:] {
		out = append(out, "    "+l)
	}
	return out
}

func authorName(v session.View, m message.Message) string {
	for _, p := range []*message.Participant{v.Agent, v.Customer} {
		if p != nil && m.AuthorID != "" && p.ID == m.AuthorID {
			return displayName(p)
		}
	}
	if m.Direction == message.DirectionInbound {
		return "them"
	}
	return "agent"
}

func displayName(p *message.Participant) string {
	if p.Username != "" {
		return p.Username
	}
	return "#" + p.ID
}

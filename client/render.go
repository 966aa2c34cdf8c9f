package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mahaj/tenant-realtime/pkg/expiry"
	"github.com/mahaj/tenant-realtime/pkg/model"
)

// page is what the renderer reads from an open conversation.
type page interface {
	Messages() []model.Message
	TypingLabel() string
	Show(messageID string, tick expiry.TickFunc) bool
}

// renderer prints a conversation incrementally. Messages are numbered in
// the order first seen so commands can refer to them.
type renderer struct {
	w    io.Writer
	self string

	numbers map[string]int    // message key -> number
	ids     map[int]string    // number -> current message id
	printed map[string]string // message key -> last printed line
	typing  string
	badge   int

	mu        sync.Mutex
	remaining map[string]time.Duration
}

func newRenderer(w io.Writer, self string) *renderer {
	return &renderer{
		w:         w,
		self:      self,
		numbers:   make(map[string]int),
		ids:       make(map[int]string),
		printed:   make(map[string]string),
		badge:     -1,
		remaining: make(map[string]time.Duration),
	}
}

// key survives the swap from a local id to the stored one.
func key(m model.Message) string {
	if m.CorrelationID != "" {
		return m.CorrelationID
	}
	return m.ID
}

func (r *renderer) prompt() { fmt.Fprint(r.w, "> ") }

// render prints new or changed messages, removals, the typing label and
// the unread badge when they differ from what was last printed.
func (r *renderer) render(p page, badge int) {
	live := make(map[string]bool)
	for _, m := range p.Messages() {
		k := key(m)
		live[k] = true
		n, seen := r.numbers[k]
		if !seen {
			n = len(r.numbers) + 1
			r.numbers[k] = n
			if m.AutoDeleteAt != nil {
				p.Show(m.ID, r.tick)
			}
		}
		r.ids[n] = m.ID

		line := r.line(n, m)
		if r.printed[k] != line {
			r.printed[k] = line
			fmt.Fprintf(r.w, "\r%s\n", line)
		}
	}

	var gone []int
	for k, line := range r.printed {
		if !live[k] && line != "" {
			r.printed[k] = ""
			gone = append(gone, r.numbers[k])
		}
	}
	sort.Ints(gone)
	for _, n := range gone {
		fmt.Fprintf(r.w, "\r[%d] (removed)\n", n)
	}

	if label := p.TypingLabel(); label != r.typing {
		r.typing = label
		if label != "" {
			fmt.Fprintf(r.w, "\r%s\n", label)
		}
	}
	if badge != r.badge {
		r.badge = badge
		fmt.Fprintf(r.w, "\r(%d unread)\n", badge)
	}
}

func (r *renderer) line(n int, m model.Message) string {
	var b strings.Builder
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	if m.SenderID == r.self {
		sender = "you"
	}
	fmt.Fprintf(&b, "[%d] %s: %s", n, sender, m.Text)
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, " <%s %s>", a.Kind, a.Name)
	}
	if counts := m.ReactionCounts(); len(counts) > 0 {
		emojis := make([]string, 0, len(counts))
		for e := range counts {
			emojis = append(emojis, e)
		}
		sort.Strings(emojis)
		for _, e := range emojis {
			fmt.Fprintf(&b, " %s%d", e, counts[e])
		}
	}
	switch {
	case m.Failed:
		b.WriteString(" (failed, /retry " + strconv.Itoa(n) + ")")
	case m.Pending:
		b.WriteString(" …")
	case m.SenderID == r.self && m.Delivery == model.DeliveryRead:
		b.WriteString(" ✓✓")
	}
	if m.AutoDeleteAt != nil {
		r.mu.Lock()
		left, ok := r.remaining[m.ID]
		r.mu.Unlock()
		if ok {
			b.WriteString(" (disappears in " + expiry.FormatRemaining(left) + ")")
		} else {
			b.WriteString(" (disappearing)")
		}
	}
	return b.String()
}

// tick runs on the expirer's clock. The countdown shows on the next
// render.
func (r *renderer) tick(messageID string, remaining time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remaining[messageID] = remaining
}

// lookup resolves a message number typed by the user to its current id.
func (r *renderer) lookup(arg string) (string, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
	if err != nil {
		return "", errors.Errorf("%q is not a message number", arg)
	}
	id, ok := r.ids[n]
	if !ok {
		return "", errors.Errorf("no message %d", n)
	}
	return id, nil
}

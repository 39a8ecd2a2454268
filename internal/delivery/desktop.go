package delivery

import (
	"context"
	"unicode/utf8"

	"github.com/atotto/clipboard"
	"github.com/gen2brain/beeep"

	"github.com/MrWong99/scribe/internal/transcript"
)

// maxNotifyRunes caps the notification body.
const maxNotifyRunes = 200

// Notifier shows each transcript as a desktop notification.
type Notifier struct {
	title  string
	notify func(title, message string, icon any) error
}

// NewNotifier returns a Notifier using title as the notification heading.
func NewNotifier(title string) *Notifier {
	return &Notifier{title: title, notify: beeep.Notify}
}

// Name implements Sink.
func (n *Notifier) Name() string { return "notify" }

// Deliver implements Sink.
func (n *Notifier) Deliver(_ context.Context, t transcript.Transcript) error {
	return n.notify(n.title, truncate(t.Text, maxNotifyRunes), "")
}

// Message shows a plain status message, such as a model unload notice.
func (n *Notifier) Message(msg string) error {
	return n.notify(n.title, msg, "")
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}

// Clipboard copies each transcript to the system clipboard, replacing its
// contents.
type Clipboard struct {
	write func(string) error
}

// NewClipboard returns a Clipboard sink.
func NewClipboard() *Clipboard {
	return &Clipboard{write: clipboard.WriteAll}
}

// Name implements Sink.
func (c *Clipboard) Name() string { return "clipboard" }

// Deliver implements Sink.
func (c *Clipboard) Deliver(_ context.Context, t transcript.Transcript) error {
	return c.write(t.Text)
}

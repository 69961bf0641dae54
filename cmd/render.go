package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bgdnvk/stormcloud/internal/stream"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// renderer prints progress events for a terminal.
type renderer struct {
	w     io.Writer
	title cases.Caser

	events  []stream.Event
	address string
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w, title: cases.Title(language.English)}
}

func (r *renderer) event(e stream.Event) {
	r.events = append(r.events, e)
	if e.Address != "" {
		r.address = e.Address
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(r.w, "%s %-8s %s\n", ts.Local().Format("15:04:05"), r.label(e.Level), e.Message)
}

func (r *renderer) label(l stream.Level) string {
	return r.title.String(strings.ToLower(string(l)))
}

// succeeded reports whether the stream ended on a success. Earlier errors
// may belong to attempts that were fixed and retried.
func (r *renderer) succeeded() bool {
	return len(r.events) > 0 && r.events[len(r.events)-1].Level == stream.LevelSuccess
}

// summary prints the closing line. reason is a session end reason such as
// "succeeded" or "exhausted".
func (r *renderer) summary(reason string, attempts int) {
	line := r.title.String(strings.ReplaceAll(reason, "_", " "))
	if attempts > 0 {
		line += fmt.Sprintf(" after %d fix attempt(s)", attempts)
	}
	if r.address != "" {
		line += ": " + r.address
	}
	fmt.Fprintf(r.w, "\n%s\n", line)
}

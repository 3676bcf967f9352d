// Package view renders conversion progress for a terminal.
package view

import (
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/JakeFAU/mdimg-client/internal/channel"
	"github.com/JakeFAU/mdimg-client/internal/convert"
)

// ExhaustedMessage is shown once the channel stops reconnecting.
const ExhaustedMessage = "connection lost, please retry manually"

// Percent returns current/total as a rounded percentage, 0 when total is 0.
func Percent(current, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(current) * 100 / float64(total)))
}

// Summary is the final outcome shown by Done.
type Summary struct {
	JobID       string
	DownloadURL string
	SavedPath   string
	ArtifactURI string
	Counters    convert.JobCounters
	Total       int
}

type styles struct {
	progress lipgloss.Style
	success  lipgloss.Style
	failure  lipgloss.Style
	warn     lipgloss.Style
	muted    lipgloss.Style
}

// Options configures a Terminal.
type Options struct {
	// Color enables ANSI styling.
	Color bool
	// MaxRetries is shown alongside reconnect attempts; 0 hides it.
	MaxRetries int
}

// Terminal writes progress, results, and channel status lines. It
// implements channel.Observer and is safe for concurrent use.
type Terminal struct {
	mu         sync.Mutex
	out        io.Writer
	st         styles
	maxRetries int
	showing    bool
}

var _ channel.Observer = (*Terminal)(nil)

// NewTerminal builds a Terminal writing to out.
func NewTerminal(out io.Writer, opts Options) *Terminal {
	r := lipgloss.NewRenderer(out)
	if !opts.Color {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Terminal{
		out:        out,
		maxRetries: opts.MaxRetries,
		st: styles{
			progress: r.NewStyle().Foreground(lipgloss.Color("#3B82F6")).Bold(true),
			success:  r.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true),
			failure:  r.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true),
			warn:     r.NewStyle().Foreground(lipgloss.Color("#FBBF24")),
			muted:    r.NewStyle().Foreground(lipgloss.Color("#9CA3AF")),
		},
	}
}

// Submitted announces a job accepted by the backend.
func (t *Terminal) Submitted(h convert.Handle, expected int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	line := fmt.Sprintf("submitted %s", h.Source)
	if h.ID != "" {
		line += " " + t.st.muted.Render("(job "+h.ID+")")
	}
	t.println(line)
	if expected > 0 {
		t.println(t.st.muted.Render(fmt.Sprintf("found %d image(s) to process", expected)))
	}
	t.showing = true
}

// OnProgress renders a progress line; the terminal frame prints the
// completion line and hides the progress display.
func (t *Terminal) OnProgress(evt channel.ProgressEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if evt.Terminal {
		t.showing = false
		t.println(t.st.success.Render(fmt.Sprintf("processing complete %d/%d", evt.Current, evt.Total)))
		return
	}
	t.showing = true
	t.println(t.st.progress.Render(fmt.Sprintf("processing %d/%d (%d%%)",
		evt.Current, evt.Total, Percent(evt.Current, evt.Total))))
}

// OnResult renders one item row.
func (t *Terminal) OnResult(evt channel.ResultEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := evt.Result
	if res.Status == convert.ItemSuccess {
		t.println("  " + t.st.success.Render("ok") + "   " + res.Filename)
		return
	}
	line := "  " + t.st.failure.Render("fail") + " " + res.Filename
	if res.Error != "" {
		line += t.st.muted.Render(": " + res.Error)
	}
	t.println(line)
}

// OnStateChange renders reconnect activity and the exhausted message.
func (t *Terminal) OnStateChange(change channel.StateChange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch change.To {
	case channel.StateClosed:
		if change.Delay <= 0 {
			return
		}
		attempt := fmt.Sprintf("attempt %d", change.RetryCount)
		if t.maxRetries > 0 {
			attempt = fmt.Sprintf("attempt %d/%d", change.RetryCount, t.maxRetries)
		}
		t.println(t.st.warn.Render(fmt.Sprintf("progress connection closed, reconnecting in %s (%s)", change.Delay, attempt)))
	case channel.StateExhausted:
		t.showing = false
		t.println(t.st.failure.Render(ExhaustedMessage))
	}
}

// Fail renders a single error message and hides the progress display.
func (t *Terminal) Fail(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.showing = false
	t.println(t.st.failure.Render("error: ") + err.Error())
}

// Done renders the final job summary.
func (t *Terminal) Done(s Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.showing = false
	line := t.st.success.Render("done")
	if s.Total > 0 || s.Counters.ItemsSucceeded+s.Counters.ItemsFailed > 0 {
		total := s.Total
		if total == 0 {
			total = s.Counters.ItemsSucceeded + s.Counters.ItemsFailed
		}
		line += fmt.Sprintf(" %d/%d image(s) converted", s.Counters.ItemsSucceeded, total)
		if s.Counters.ItemsFailed > 0 {
			line += ", " + t.st.failure.Render(fmt.Sprintf("%d failed", s.Counters.ItemsFailed))
		}
	}
	t.println(line)
	if s.SavedPath != "" {
		t.println("  saved to " + s.SavedPath)
	}
	if s.DownloadURL != "" {
		t.println("  download " + t.st.muted.Render(s.DownloadURL))
	}
	if s.ArtifactURI != "" {
		t.println("  archived " + t.st.muted.Render(s.ArtifactURI))
	}
}

// Showing reports whether a progress display is active.
func (t *Terminal) Showing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.showing
}

func (t *Terminal) println(s string) {
	_, _ = fmt.Fprintln(t.out, s)
}

// Package progress renders download progress and status lines for a terminal.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// DefaultInterval is how often a progress line is redrawn.
const DefaultInterval = 250 * time.Millisecond

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	nameStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
)

// Renderer writes one redrawn progress line per active download plus
// plain status lines.
type Renderer struct {
	mu       sync.Mutex
	out      io.Writer
	throttle *Throttle
	now      func() time.Time
	active   bool
}

// NewRenderer creates a renderer writing to out. A non-positive interval
// redraws on every update.
func NewRenderer(out io.Writer, interval time.Duration) *Renderer {
	return &Renderer{
		out:      out,
		throttle: NewThrottle(interval),
		now:      time.Now,
	}
}

// Track returns a progress callback for one named download. Its signature
// matches downloader.ProgressFunc.
func (r *Renderer) Track(name string) func(done, total int64, start time.Time) {
	r.throttle.Reset()
	return func(done, total int64, start time.Time) {
		final := total > 0 && done >= total
		if ok, _ := r.throttle.Allow(); !ok && !final {
			return
		}
		r.draw(Line(name, done, total, r.now().Sub(start)))
	}
}

// Line formats a progress line, e.g.
// "InstallAssistant.pkg 45.20% (1.2 GB / 2.6 GB) - 12.3 MB/s - ETA 2m 3s".
func Line(name string, done, total int64, elapsed time.Duration) string {
	var b strings.Builder
	b.WriteString(nameStyle.Render(name))
	b.WriteByte(' ')

	if total > 0 {
		percent := float64(done) / float64(total) * 100
		fmt.Fprintf(&b, "%.2f%% (%s / %s)", percent, FormatBytes(done), FormatBytes(total))
	} else {
		b.WriteString(FormatBytes(done))
	}

	if elapsed > 0 && done > 0 {
		speed := float64(done) / elapsed.Seconds()
		b.WriteString(detailStyle.Render(" - " + FormatRate(speed)))
		if total > 0 && done < total {
			eta := time.Duration(float64(total-done) / speed * float64(time.Second))
			b.WriteString(detailStyle.Render(" - ETA " + FormatDuration(eta)))
		}
	}

	return b.String()
}

func (r *Renderer) draw(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "\r\033[2K%s", line)
	r.active = true
}

// endLine terminates a pending progress line. Caller holds mu.
func (r *Renderer) endLine() {
	if r.active {
		fmt.Fprintln(r.out)
		r.active = false
	}
}

func (r *Renderer) println(style lipgloss.Style, symbol, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLine()
	fmt.Fprintln(r.out, style.Render(symbol+" "+text))
}

// Success prints a success line.
func (r *Renderer) Success(format string, args ...any) {
	r.println(successStyle, "✓", fmt.Sprintf(format, args...))
}

// Failure prints an error line.
func (r *Renderer) Failure(format string, args ...any) {
	r.println(errorStyle, "✗", fmt.Sprintf(format, args...))
}

// Warning prints a warning line.
func (r *Renderer) Warning(format string, args ...any) {
	r.println(warningStyle, "!", fmt.Sprintf(format, args...))
}

// Info prints an informational line.
func (r *Renderer) Info(format string, args ...any) {
	r.println(infoStyle, "→", fmt.Sprintf(format, args...))
}

// Detail prints a dimmed line.
func (r *Renderer) Detail(format string, args ...any) {
	r.println(detailStyle, "·", fmt.Sprintf(format, args...))
}

package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/time/rate"

	"github.com/wenjingluo11-spec/paperwatch"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	workingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	waitingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	reviewStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	lostStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func statusStyle(s paperwatch.Status) lipgloss.Style {
	switch s {
	case paperwatch.StatusWorking:
		return workingStyle
	case paperwatch.StatusCompleted:
		return doneStyle
	case paperwatch.StatusReviewingRevision:
		return reviewStyle
	default:
		return waitingStyle
	}
}

// dashboard redraws the store state, at most once per interval.
type dashboard struct {
	out      io.Writer
	interval time.Duration
	limiter  *rate.Limiter
}

func newDashboard(out io.Writer, interval time.Duration) *dashboard {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &dashboard{
		out:      out,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

// follow renders until every active task completed or was abandoned, or ctx
// ends.
func (d *dashboard) follow(ctx context.Context, t *paperwatch.Tracker, abandoned <-chan paperwatch.TaskID) error {
	store := t.Store()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	var lost []paperwatch.TaskID
	dirty := true
	for {
		snap := store.Snapshot()
		if finished(snap, lost) {
			d.render(snap, lost)
			return nil
		}
		if dirty && d.limiter.Allow() {
			d.render(snap, lost)
			dirty = false
		}

		select {
		case <-ctx.Done():
			d.render(store.Snapshot(), lost)
			return ctx.Err()
		case <-store.Changes():
			dirty = true
		case id := <-abandoned:
			lost = append(lost, id)
			dirty = true
		case <-ticker.C:
		}
	}
}

// finished reports whether nothing is left to wait for: every active task
// either completed or lost its stream for good.
func finished(snap paperwatch.Snapshot, lost []paperwatch.TaskID) bool {
	if len(snap.Active) == 0 {
		return false
	}
	for _, id := range snap.Active {
		if !paperwatch.TaskComplete(snap.Completed, id) && !slices.Contains(lost, id) {
			return false
		}
	}
	return true
}

func (d *dashboard) render(snap paperwatch.Snapshot, lost []paperwatch.TaskID) {
	fmt.Fprint(d.out, renderSnapshot(snap, lost))
}

// renderSnapshot formats one frame of the dashboard.
func renderSnapshot(snap paperwatch.Snapshot, lost []paperwatch.TaskID) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("tasks: %d active, %d completed", len(snap.Active), len(snap.Completed))))
	b.WriteByte('\n')

	for _, id := range snap.Active {
		history := snap.Histories[id]
		var line string
		switch {
		case paperwatch.TaskComplete(snap.Completed, id):
			line = doneStyle.Render("done")
		case slices.Contains(lost, id):
			line = lostStyle.Render("connection lost")
		case len(history) == 0:
			line = waitingStyle.Render("waiting")
		default:
			last := latest(history)
			line = fmt.Sprintf("%3d%% %s %s", last.Progress, last.Stage,
				statusStyle(last.Status).Render(string(last.Status)))
		}
		fmt.Fprintf(&b, "  #%d  %s\n", id, line)
	}

	if f := snap.Focused; f != nil {
		fmt.Fprintf(&b, "%s\n", titleStyle.Render(fmt.Sprintf("task %d (%s)", f.ID, f.Status)))
		for _, ev := range snap.FocusedHistory {
			fmt.Fprintf(&b, "  %-22s %s %s\n", ev.Stage, statusStyle(ev.Status).Render(string(ev.Status)), ev.Message)
		}
		if f.Scores != nil {
			fmt.Fprintf(&b, "  scores: novelty %.1f, quality %.1f, clarity %.1f, total %.1f\n",
				f.Scores.Novelty, f.Scores.Quality, f.Scores.Clarity, f.Scores.Total)
		}
	}
	return b.String()
}

// latest returns the entry furthest along the pipeline.
func latest(history []paperwatch.Event) paperwatch.Event {
	best := history[0]
	for _, ev := range history[1:] {
		if paperwatch.StageIndex(ev.Stage) >= paperwatch.StageIndex(best.Stage) {
			best = ev
		}
	}
	return best
}

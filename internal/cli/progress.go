package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/embedctl/internal/models"
	"github.com/raphaelgruber/embedctl/internal/service"
	"golang.org/x/term"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// snapshotMsg carries a progress snapshot from the job goroutine.
type snapshotMsg models.JobSnapshot

// doneMsg carries the job outcome.
type doneMsg struct {
	result *service.Result
	err    error
}

// progressModel is the bubbletea model for job progress.
type progressModel struct {
	jobID    string
	snap     models.JobSnapshot
	started  time.Time
	progress progress.Model
	theme    Theme
	result   *service.Result
	done     bool
	quitting bool
	err      error
}

func newProgressModel(jobID string, total int) progressModel {
	return progressModel{
		jobID:    jobID,
		snap:     models.JobSnapshot{JobID: jobID, Status: models.JobRunning, Total: total, Pending: total},
		started:  time.Now(),
		progress: progress.New(progress.WithDefaultBlend(), progress.WithWidth(40)),
		theme:    defaultTheme,
	}
}

// Init returns the initial command.
func (m progressModel) Init() tea.Cmd {
	return m.progress.Init()
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case snapshotMsg:
		m.snap = models.JobSnapshot(msg)
		return m, nil

	case doneMsg:
		m.done = true
		m.result = msg.result
		m.err = msg.err
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.snap.Status))
	bar := m.progress.ViewAs(m.snap.Fraction())
	counts := fmt.Sprintf("%d/%d chunks", m.snap.Completed+m.snap.Failed, m.snap.Total)
	if m.snap.Failed > 0 {
		counts += m.theme.errorStyle().Render(fmt.Sprintf(" (%d failed)", m.snap.Failed))
	}
	hint := m.theme.hintStyle().Render("Press Ctrl+C to cancel the job")

	return fmt.Sprintf("%s %s %s\n%s\n", status, bar, counts, hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		return m.theme.hintStyle().Render(fmt.Sprintf("\nJob %s cancelled.\n", m.jobID))
	}
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job failed: %s\n", m.err))
	}
	return summary(m.theme, m.result, time.Since(m.started))
}

// summary renders the final counts of a job.
func summary(theme Theme, res *service.Result, elapsed time.Duration) string {
	if res == nil {
		return theme.completedStyle().Render("✓ Completed") + "\n"
	}

	var b strings.Builder
	head := "✓ Completed"
	if res.Partial {
		head = "✓ Completed (partial: time limit reached)"
	}
	b.WriteString(theme.completedStyle().Render(head) + "\n\n")
	fmt.Fprintf(&b, "  Job:          %s\n", res.JobID)
	if res.RemoteID != "" {
		fmt.Fprintf(&b, "  Remote job:   %s\n", res.RemoteID)
	}
	fmt.Fprintf(&b, "  Embedded:     %d\n", len(res.Embeddings))
	if res.Fallback {
		fmt.Fprintf(&b, "  Batches:      %d (manual)\n", res.Metrics.BatchCount)
	}
	fmt.Fprintf(&b, "  Success rate: %.1f%%\n", res.Metrics.SuccessRate)
	fmt.Fprintf(&b, "  Duration:     %s\n", elapsed.Round(time.Millisecond))
	if len(res.Failed) > 0 {
		b.WriteString(theme.errorStyle().Render(fmt.Sprintf("\nFailed chunks (%d):\n", len(res.Failed))))
		for _, id := range res.Failed {
			fmt.Fprintf(&b, "  • %s\n", id)
		}
	}
	return b.String()
}

// progressUI shows job progress, either as an interactive bar or as plain
// lines when the output is not a terminal.
type progressUI interface {
	// Update is passed to the job as its ProgressFunc.
	Update(models.JobSnapshot)
	// Quit is closed when the user leaves the display before the job ends.
	Quit() <-chan struct{}
	// Finish shows the outcome and waits for the display to exit.
	Finish(*service.Result, error) error
}

// newProgressUI picks the interactive bar when stderr is a terminal.
func newProgressUI(jobID string, total int, interactive bool) progressUI {
	if interactive && term.IsTerminal(int(os.Stderr.Fd())) {
		return startTUI(jobID, total)
	}
	return &plainProgress{out: os.Stderr, theme: defaultTheme, started: time.Now()}
}

// tuiProgress drives a bubbletea program from the job goroutine.
type tuiProgress struct {
	program *tea.Program
	exited  chan struct{}
	runErr  error
}

func startTUI(jobID string, total int) *tuiProgress {
	t := &tuiProgress{
		program: tea.NewProgram(newProgressModel(jobID, total), tea.WithOutput(os.Stderr)),
		exited:  make(chan struct{}),
	}
	go func() {
		defer close(t.exited)
		_, t.runErr = t.program.Run()
	}()
	return t
}

func (t *tuiProgress) Update(s models.JobSnapshot) {
	t.program.Send(snapshotMsg(s))
}

func (t *tuiProgress) Quit() <-chan struct{} {
	return t.exited
}

func (t *tuiProgress) Finish(res *service.Result, jobErr error) error {
	t.program.Send(doneMsg{result: res, err: jobErr})
	<-t.exited
	if t.runErr != nil {
		return fmt.Errorf("progress UI error: %w", t.runErr)
	}
	return jobErr
}

// plainProgress prints one line per change in counters.
type plainProgress struct {
	out     io.Writer
	theme   Theme
	started time.Time
	last    models.JobSnapshot
}

func (p *plainProgress) Update(s models.JobSnapshot) {
	if s == p.last {
		return
	}
	p.last = s
	fmt.Fprintf(p.out, "[%s] %d/%d chunks, %d failed\n", s.Status, s.Completed+s.Failed, s.Total, s.Failed)
}

// Quit never fires: plain output has no key handling.
func (p *plainProgress) Quit() <-chan struct{} {
	return nil
}

func (p *plainProgress) Finish(res *service.Result, jobErr error) error {
	if jobErr != nil {
		fmt.Fprintf(p.out, "Job failed: %s\n", jobErr)
		return jobErr
	}
	fmt.Fprint(p.out, summary(p.theme, res, time.Since(p.started)))
	return nil
}

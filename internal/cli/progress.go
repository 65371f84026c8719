package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/graphkeeper/internal/client"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/spf13/cobra"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
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

// trackMsg carries one tracker update into the UI.
type trackMsg client.Update

// trackClosedMsg means the tracker stopped without a terminal update.
type trackClosedMsg struct{}

// waitForUpdate reads the next tracker update. The channel is the only
// source of job state; the model never polls on its own.
func waitForUpdate(updates <-chan client.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return trackClosedMsg{}
		}
		return trackMsg(u)
	}
}

// progressModel is the bubbletea model for job progress.
type progressModel struct {
	jobID    string
	updates  <-chan client.Update
	last     client.Update
	seen     bool
	progress progress.Model
	theme    Theme
	done     bool
	detached bool
}

func newProgressModel(jobID string, updates <-chan client.Update) progressModel {
	return progressModel{
		jobID:   jobID,
		updates: updates,
		progress: progress.New(
			progress.WithDefaultBlend(),
			progress.WithWidth(40),
		),
		theme: defaultTheme,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		waitForUpdate(m.updates),
		m.progress.Init(),
	)
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.detached = true
			return m, tea.Quit
		}

	case trackMsg:
		m.last = client.Update(msg)
		m.seen = true
		if m.last.Terminal {
			m.done = true
			return m, tea.Quit
		}
		return m, waitForUpdate(m.updates)

	case trackClosedMsg:
		m.done = true
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.detached {
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'graphkeeper jobs watch %s' to follow it.\n",
			m.jobID, m.jobID)
		return m.theme.hintStyle().Render(msg)
	}
	if m.done {
		return m.finalView()
	}
	if !m.seen {
		return "Connecting to job " + m.jobID + "...\n"
	}

	job := m.last.Job
	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", job.Status))
	pct := max(job.Progress.Percent(), 0)
	bar := m.progress.ViewAs(pct)

	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")
	return fmt.Sprintf("%s %s %s\n%s\n", status, bar, stageLine(job), hint)
}

func (m progressModel) finalView() string {
	if !m.last.Terminal {
		return m.theme.hintStyle().Render("\nStopped following job " + m.jobID + ".\n")
	}
	job := m.last.Job
	switch {
	case m.last.Err != nil:
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Lost track of job: %s\n", m.last.Err))
	case job.Status == jobs.StatusCompleted:
		return m.theme.completedStyle().Render("✓ Completed") + "\n"
	default:
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job %s\n", job.Status))
	}
}

// stageLine renders a job's position, e.g. "restoring_concepts 40/120".
func stageLine(job jobs.Job) string {
	p := job.Progress
	if p.Stage == "" {
		return string(job.Status)
	}
	var b strings.Builder
	b.WriteString(p.Stage)
	if p.ItemsTotal > 0 {
		fmt.Fprintf(&b, " %d/%d", p.ItemsProcessed, p.ItemsTotal)
	}
	if p.Message != "" {
		b.WriteString(" (" + p.Message + ")")
	}
	return b.String()
}

// followPlain prints one line per change in job status or stage and
// returns the last update seen.
func followPlain(w io.Writer, updates <-chan client.Update) client.Update {
	var last client.Update
	var prev string
	for u := range updates {
		last = u
		line := fmt.Sprintf("[%s] %s", u.Job.Status, stageLine(u.Job))
		if line != prev {
			fmt.Fprintln(w, line)
			prev = line
		}
	}
	return last
}

// errDetached is returned internally when the user leaves the progress UI.
var errDetached = errors.New("detached")

// follow tracks a job until it ends and turns the outcome into an error
// the caller can return: nil on success, *client.JobFailedError when the
// job failed or was cancelled. finished is false when the user detached
// from the progress display and the job is still running.
func (a *app) follow(cmd *cobra.Command, jobID string) (job jobs.Job, finished bool, err error) {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	updates := a.tracker().Track(ctx, jobID)

	var last client.Update
	if a.interactive(cmd) {
		last, err = runProgressUI(ctx, cmd, jobID, updates)
		if errors.Is(err, errDetached) {
			return last.Job, false, nil
		}
		if err != nil {
			return last.Job, false, err
		}
	} else {
		last = followPlain(cmd.OutOrStdout(), updates)
	}

	switch {
	case !last.Terminal:
		if err := ctx.Err(); err != nil {
			return last.Job, false, fmt.Errorf("stopped following job %s: %w", jobID, err)
		}
		return last.Job, false, fmt.Errorf("stopped following job %s", jobID)
	case last.Err != nil:
		return last.Job, false, fmt.Errorf("follow job %s: %w", jobID, last.Err)
	case last.Job.Status != jobs.StatusCompleted:
		return last.Job, true, &client.JobFailedError{Job: last.Job}
	}
	return last.Job, true, nil
}

// runProgressUI runs the interactive display until the job ends or the
// user detaches. Detaching returns errDetached; the job keeps running.
func runProgressUI(ctx context.Context, cmd *cobra.Command, jobID string, updates <-chan client.Update) (client.Update, error) {
	p := tea.NewProgram(newProgressModel(jobID, updates),
		tea.WithContext(ctx),
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(cmd.OutOrStdout()),
	)
	final, err := p.Run()
	if err != nil {
		return client.Update{}, fmt.Errorf("progress UI error: %w", err)
	}
	m, ok := final.(progressModel)
	if !ok {
		return client.Update{}, fmt.Errorf("progress UI returned %T", final)
	}
	if m.detached {
		return m.last, errDetached
	}
	return m.last, nil
}

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/raphaelgruber/graphkeeper/internal/client"
)

// ErrConfirmationRequired is returned when a restore needs a person to
// confirm it but nobody can be asked.
var ErrConfirmationRequired = errors.New("restore needs confirmation: run in a terminal or pass --yes")

// ConfirmPolicy decides whether a validated restore may go ahead. It runs
// after the server accepted the artifact and before the job is approved.
type ConfirmPolicy interface {
	Confirm(ctx context.Context, restore *client.RestoreAccepted) (bool, error)
}

// AutoConfirm approves every restore (--yes).
type AutoConfirm struct{}

func (AutoConfirm) Confirm(context.Context, *client.RestoreAccepted) (bool, error) {
	return true, nil
}

// RefuseConfirm fails every restore. Used when stdin is not a terminal
// and --yes was not given.
type RefuseConfirm struct{}

func (RefuseConfirm) Confirm(context.Context, *client.RestoreAccepted) (bool, error) {
	return false, ErrConfirmationRequired
}

// PromptConfirm asks a y/N question.
type PromptConfirm struct {
	In  io.Reader
	Out io.Writer
}

func (p PromptConfirm) Confirm(_ context.Context, r *client.RestoreAccepted) (bool, error) {
	fmt.Fprintf(p.Out, "\nReplace %s with this backup? [y/N]: ", r.Scope)

	response, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read input: %w", err)
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes", nil
}

// DefaultHoldDuration is how long the confirm key must be held.
const DefaultHoldDuration = 2 * time.Second

// HoldConfirm requires holding the space bar until a bar fills. Letting
// go early drains the bar; Esc or n declines.
type HoldConfirm struct {
	In   io.Reader
	Out  io.Writer
	Hold time.Duration
}

func (h HoldConfirm) Confirm(ctx context.Context, r *client.RestoreAccepted) (bool, error) {
	hold := h.Hold
	if hold <= 0 {
		hold = DefaultHoldDuration
	}
	p := tea.NewProgram(newHoldModel(r.Scope.String(), hold, time.Now),
		tea.WithContext(ctx),
		tea.WithInput(h.In),
		tea.WithOutput(h.Out),
	)
	final, err := p.Run()
	if err != nil {
		return false, fmt.Errorf("confirmation UI error: %w", err)
	}
	m, ok := final.(holdModel)
	if !ok {
		return false, fmt.Errorf("confirmation UI returned %T", final)
	}
	return m.confirmed, nil
}

const (
	holdTick = 50 * time.Millisecond
	// Terminals only report key presses; a held key repeats. Without a
	// repeat inside this window the key counts as released. It covers the
	// initial auto-repeat delay most terminals use.
	holdReleaseGap = 600 * time.Millisecond
)

type holdTickMsg time.Time

// holdModel fills a bar while the space bar keeps repeating.
type holdModel struct {
	scope     string
	hold      time.Duration
	now       func() time.Time
	progress  progress.Model
	lastPress time.Time
	held      time.Duration
	ticking   bool
	confirmed bool
	declined  bool
}

func newHoldModel(scope string, hold time.Duration, now func() time.Time) holdModel {
	return holdModel{
		scope: scope,
		hold:  hold,
		now:   now,
		progress: progress.New(
			progress.WithDefaultBlend(),
			progress.WithWidth(40),
		),
	}
}

func holdTickCmd() tea.Cmd {
	return tea.Tick(holdTick, func(t time.Time) tea.Msg {
		return holdTickMsg(t)
	})
}

func (m holdModel) Init() tea.Cmd {
	return m.progress.Init()
}

func (m holdModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "space", " ":
			m.lastPress = m.now()
			if !m.ticking {
				m.ticking = true
				return m, holdTickCmd()
			}
		case "esc", "n", "q", "ctrl+c":
			m.declined = true
			return m, tea.Quit
		}

	case holdTickMsg:
		if m.now().Sub(m.lastPress) > holdReleaseGap {
			m.held = 0
			m.ticking = false
			return m, nil
		}
		m.held += holdTick
		if m.held >= m.hold {
			m.confirmed = true
			return m, tea.Quit
		}
		return m, holdTickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m holdModel) fraction() float64 {
	return min(float64(m.held)/float64(m.hold), 1)
}

func (m holdModel) View() tea.View {
	return tea.NewView(m.render())
}

func (m holdModel) render() string {
	t := defaultTheme
	switch {
	case m.confirmed:
		return t.completedStyle().Render("✓ Confirmed") + "\n"
	case m.declined:
		return t.hintStyle().Render("Restore declined.") + "\n"
	}
	title := t.errorStyle().Render(fmt.Sprintf("Restoring replaces %s.", m.scope))
	hint := t.hintStyle().Render("Hold space to confirm, Esc to cancel")
	return fmt.Sprintf("%s\n%s\n%s\n", title, m.progress.ViewAs(m.fraction()), hint)
}

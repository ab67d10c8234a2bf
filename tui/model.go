// Package tui renders the mixer board in the terminal.
package tui

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/cwsl/mixerpanel/levels"
	"github.com/cwsl/mixerpanel/panel"
)

const DefaultRefresh = 100 * time.Millisecond

// Source is what the UI polls on every refresh.
type Source interface {
	View() panel.View
	State() levels.ConnectionState
}

// Options configures the UI.
type Options struct {
	Title   string
	Refresh time.Duration
}

type refreshMsg time.Time

// Model is the bubbletea model for the panel.
type Model struct {
	src     Source
	title   string
	refresh time.Duration

	width  int
	height int

	view  panel.View
	state levels.ConnectionState
}

// New builds a model and takes the first snapshot of the source.
func New(src Source, opts Options) Model {
	if opts.Refresh <= 0 {
		opts.Refresh = DefaultRefresh
	}
	if opts.Title == "" {
		opts.Title = "Mixer"
	}
	return Model{
		src:     src,
		title:   opts.Title,
		refresh: opts.Refresh,
		view:    src.View(),
		state:   src.State(),
	}
}

func (m Model) Init() tea.Cmd {
	return m.scheduleRefresh()
}

func (m Model) scheduleRefresh() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case refreshMsg:
		m.view = m.src.View()
		m.state = m.src.State()
		return m, m.scheduleRefresh()
	}
	return m, nil
}

func (m Model) View() string {
	return render(m.title, m.view, m.state, m.width)
}

// Run shows the UI until the user quits or ctx is done.
func Run(ctx context.Context, src Source, opts Options, progOpts ...tea.ProgramOption) error {
	progOpts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, progOpts...)
	p := tea.NewProgram(New(src, opts), progOpts...)
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}

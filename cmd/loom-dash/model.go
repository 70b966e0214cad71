package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"loom/pkg/eventlog"
	"loom/pkg/executor"
	"loom/pkg/pipeline"
)

const eventTail = 50

// tickMsg triggers a periodic refresh even when fsnotify is unavailable.
type tickMsg time.Time

// stateMsg carries a freshly loaded tree and event tail.
type stateMsg struct {
	tree    executor.Tree
	entries []eventlog.Entry
	err     error
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStateCmd(dbPath string) tea.Cmd {
	return func() tea.Msg {
		tree, entries, err := fetchState(context.Background(), dbPath, eventTail)
		return stateMsg{tree: tree, entries: entries, err: err}
	}
}

// Model is the Bubble Tea model for the loom dashboard.
type Model struct {
	dbPath string
	theme  Theme

	tree    executor.Tree
	entries []eventlog.Entry
	err     error

	events table.Model
	width  int
	height int
}

// newModel creates a Model wired to the default event log path.
func newModel() Model {
	columns := []table.Column{
		{Title: "Seq", Width: 6},
		{Title: "Time", Width: 8},
		{Title: "Kind", Width: 28},
		{Title: "Entity", Width: 26},
		{Title: "Detail", Width: 32},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	return Model{
		dbPath: defaultDBPath(),
		theme:  DefaultTheme(),
		tree:   executor.NewTree(),
		events: t,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchStateCmd(m.dbPath), tickCmd(), watchLogDir(m.dbPath))
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchStateCmd(m.dbPath)
		}
		var cmd tea.Cmd
		m.events, cmd = m.events.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if h := msg.Height - 14; h > 4 {
			m.events.SetHeight(h)
		}

	case tickMsg:
		return m, tea.Batch(fetchStateCmd(m.dbPath), tickCmd())

	case fsChangeMsg:
		return m, tea.Batch(fetchStateCmd(m.dbPath), watchLogDir(m.dbPath))

	case stateMsg:
		m.err = msg.err
		if msg.err == nil {
			m.tree = msg.tree
			m.entries = msg.entries
			m.events.SetRows(eventRows(msg.entries))
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary).Render("loom")
	header := title + "  " + m.summaryLine()
	if m.err != nil {
		header += "\n" + lipgloss.NewStyle().Foreground(m.theme.Error).Render(m.err.Error())
	}

	body := m.pipelinePane() + "\n" + m.events.View()
	footer := lipgloss.NewStyle().Foreground(m.theme.Muted).Render("r refresh · ↑/↓ scroll · q quit")
	return header + "\n\n" + body + "\n" + footer
}

func (m Model) summaryLine() string {
	running, blocked, done := 0, 0, 0
	for _, p := range m.tree.Pipelines {
		switch p.State {
		case pipeline.Running, pipeline.Init:
			running++
		case pipeline.Blocked:
			blocked++
		case pipeline.Done:
			done++
		}
	}
	return lipgloss.NewStyle().Foreground(m.theme.Muted).Render(
		fmt.Sprintf("%d running · %d blocked · %d done · %d sessions",
			running, blocked, done, len(m.tree.Sessions)))
}

// pipelinePane renders one line per pipeline, state-colored.
func (m Model) pipelinePane() string {
	if len(m.tree.Pipelines) == 0 {
		return lipgloss.NewStyle().Foreground(m.theme.Muted).Render("no pipelines")
	}
	ids := make([]string, 0, len(m.tree.Pipelines))
	for id := range m.tree.Pipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := ""
	for _, id := range ids {
		p := m.tree.Pipelines[id]
		state := lipgloss.NewStyle().Foreground(m.stateColor(p.State)).Render(fmt.Sprintf("%-8s", p.State))
		line := fmt.Sprintf("  %-14s %-8s %s", id, p.Kind, state)
		if p.Phase != "" {
			line += " " + p.Phase
		}
		if p.Reason != "" {
			line += lipgloss.NewStyle().Foreground(m.theme.Muted).Render("  " + p.Reason)
		}
		out += line + "\n"
	}
	return out
}

func (m Model) stateColor(s pipeline.State) lipgloss.Color {
	switch s {
	case pipeline.Running, pipeline.Done:
		return m.theme.Success
	case pipeline.Blocked, pipeline.Init:
		return m.theme.Warning
	default:
		return m.theme.Error
	}
}

// eventRows converts log entries (newest first from the reader) into
// table rows.
func eventRows(entries []eventlog.Entry) []table.Row {
	rows := make([]table.Row, 0, len(entries))
	for _, e := range entries {
		detail := ""
		switch {
		case e.Event.Fail != nil:
			detail = e.Event.Fail.Reason
		case e.Event.Phase != nil && e.Event.Phase.Phase != "":
			detail = "phase=" + e.Event.Phase.Phase
		case e.Event.Holder != nil:
			detail = "holder=" + e.Event.Holder.Holder
		case e.Event.Item != nil:
			detail = "item=" + e.Event.Item.ID
		}
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", e.Seq),
			e.Event.At.Format("15:04:05"),
			e.Event.Kind,
			e.Event.Entity.String(),
			detail,
		})
	}
	return rows
}

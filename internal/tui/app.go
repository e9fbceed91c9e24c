// internal/tui/app.go
//
// This is the status dashboard for taskvault. It uses bubbletea, which
// follows The Elm Architecture:
//
// 1. Model: Your application state
// 2. Update: A function that updates state based on messages
// 3. View: A function that renders state to a string
//
// The flow is: User Input -> Message -> Update -> New Model -> View -> Screen

package tui

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kereth/taskvault/internal/approval"
	"github.com/kereth/taskvault/internal/auditlog"
	"github.com/kereth/taskvault/internal/transition"
	"github.com/kereth/taskvault/internal/vault"
)

const boardRefreshInterval = 2 * time.Second

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B")).
			MarginBottom(1)
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))
	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFB86C"))
)

type statusRefreshMsg struct {
	counts   map[string]int
	pending  []approval.Record
	tail     []auditlog.Entry
	snapshot time.Time
	err      error
}

// App is the dashboard model. In bubbletea, this holds ALL your state.
type App struct {
	vault *vault.Vault
	gate  *approval.Gate
	audit *auditlog.Logger

	queueTable table.Model

	counts      map[string]int
	pending     []approval.Record
	tail        []auditlog.Entry
	lastRefresh time.Time
	boardErr    string

	width  int
	height int
}

// NewApp builds the dashboard over an existing vault.
func NewApp(v *vault.Vault, gate *approval.Gate, audit *auditlog.Logger) *App {
	columns := []table.Column{
		{Title: "Directory", Width: 16},
		{Title: "Tasks", Width: 8},
	}
	queueTable := table.New(
		table.WithColumns(columns),
		table.WithHeight(len(transition.StateDirs())+1),
		table.WithFocused(false),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	styles.Selected = lipgloss.NewStyle()
	queueTable.SetStyles(styles)

	return &App{
		vault:      v,
		gate:       gate,
		audit:      audit,
		queueTable: queueTable,
		counts:     map[string]int{},
	}
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return a.fetchStatusSnapshot()
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case statusRefreshMsg:
		if msg.err != nil {
			a.boardErr = msg.err.Error()
		} else {
			a.boardErr = ""
			a.counts = msg.counts
			a.pending = msg.pending
			a.tail = msg.tail
			a.lastRefresh = msg.snapshot
			a.queueTable.SetRows(a.buildQueueRows())
		}
		return a, a.scheduleStatusRefresh()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return a, tea.Quit
		case "r":
			return a, a.fetchStatusSnapshot()
		}
	}

	return a, nil
}

func (a *App) buildQueueRows() []table.Row {
	rows := make([]table.Row, 0, len(transition.StateDirs()))
	for _, dir := range transition.StateDirs() {
		rows = append(rows, table.Row{dir, fmt.Sprintf("%d", a.counts[dir])})
	}
	return rows
}

// View renders the current state to a string.
func (a *App) View() string {
	header := headerStyle.Render("⬡ TASKVAULT · " + a.vault.Root())

	queues := panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Queues"),
		a.queueTable.View(),
	))
	approvals := panelStyle.Render(a.renderPendingPanel())
	body := lipgloss.JoinHorizontal(lipgloss.Top, queues, approvals)

	sections := []string{header, body}
	if logPanel := a.renderAuditPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}

	footer := "r → refresh    q → quit"
	if a.boardErr != "" {
		footer = warnStyle.Render("⚠ "+a.boardErr) + "    " + footer
	} else if !a.lastRefresh.IsZero() {
		footer = fmt.Sprintf("refreshed %s    %s", a.lastRefresh.Format("15:04:05"), footer)
	}
	sections = append(sections, dimStyle.Render(footer))
	return strings.Join(sections, "\n")
}

func (a *App) renderPendingPanel() string {
	title := titleStyle.Render(fmt.Sprintf("Pending approvals (%d)", len(a.pending)))
	if len(a.pending) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title,
			dimStyle.Render("Nothing waiting on a human."))
	}
	var rows []string
	for _, rec := range a.pending {
		line := fmt.Sprintf("%s · task %s · expires %s",
			shortID(rec.ApprovalID), rec.TaskID, rec.ExpiresAt.Format("Jan 2 15:04"))
		if time.Now().After(rec.ExpiresAt) {
			line = warnStyle.Render(line + " · EXPIRED")
		}
		rows = append(rows, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(rows, "\n"))
}

func (a *App) renderAuditPanel() string {
	if len(a.tail) == 0 {
		return ""
	}
	head := titleStyle.Render("AUDIT · today")
	var lines []string
	for _, entry := range a.tail {
		lines = append(lines, fmt.Sprintf("%s %-18s %s → %s (%s)",
			entry.TS.Format("15:04:05"), entry.Event, entry.Task, entry.State, entry.Outcome))
	}
	body := dimStyle.Render(strings.Join(lines, "\n"))
	return panelStyle.Render(fmt.Sprintf("%s\n%s", head, body))
}

func (a *App) fetchStatusSnapshot() tea.Cmd {
	return func() tea.Msg {
		return a.buildStatusSnapshot()
	}
}

func (a *App) scheduleStatusRefresh() tea.Cmd {
	return tea.Tick(boardRefreshInterval, func(time.Time) tea.Msg {
		return a.buildStatusSnapshot()
	})
}

func (a *App) buildStatusSnapshot() statusRefreshMsg {
	now := time.Now()
	counts := make(map[string]int, len(transition.StateDirs()))
	for _, dir := range transition.StateDirs() {
		names, err := a.vault.Snapshot(dir)
		if err != nil {
			return statusRefreshMsg{err: err}
		}
		counts[dir] = len(names)
	}
	pending, err := a.gate.Pending()
	if err != nil {
		return statusRefreshMsg{err: err}
	}
	// A day with no transitions yet has no file; that is not an error.
	tail, err := auditlog.Read(a.audit.PathFor(now))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return statusRefreshMsg{err: err}
	}
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	return statusRefreshMsg{
		counts:   counts,
		pending:  pending,
		tail:     tail,
		snapshot: now,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

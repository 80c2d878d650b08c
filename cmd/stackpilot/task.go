package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dvhoward/stackpilot/internal/config"
	"github.com/dvhoward/stackpilot/internal/orchestrator"
	"github.com/dvhoward/stackpilot/internal/partialjson"
	"github.com/dvhoward/stackpilot/internal/task"
)

func runTask(args []string) error {
	fs := flag.NewFlagSet("task", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	description := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if description == "" {
		return fmt.Errorf("usage: stackpilot task [--config <path>] <task description>")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Service.LogLevel)

	progress := make(chan task.Progress, 512)
	client := orchestrator.NewClient(cfg.Orchestrator.BaseURL, cfg.Orchestrator.Token, cfg.Orchestrator.APIKey, logger)
	driver := task.NewDriver(client, driverOptions(cfg, func(p task.Progress) {
		progress <- p
	}, task.Hooks{}), logger)

	m := newTaskModel(description, driver, progress)
	p := tea.NewProgram(m, tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return err
	}

	if fm, ok := final.(taskModel); ok && fm.runErr != nil && !errors.Is(fm.runErr, task.ErrAborted) {
		return fm.runErr
	}
	return nil
}

type progressMsg task.Progress

type runDoneMsg struct {
	result task.Result
	err    error
}

type taskModel struct {
	description string
	driver      *task.Driver
	progress    chan task.Progress

	width  int
	height int

	state     task.State
	iteration int
	sessionID string
	operation string
	chars     int
	content   string
	events    []string
	done      bool
	stopping  bool
	result    task.Result
	runErr    error
}

func newTaskModel(description string, driver *task.Driver, progress chan task.Progress) taskModel {
	return taskModel{
		description: description,
		driver:      driver,
		progress:    progress,
		state:       task.StateIdle,
	}
}

func (m taskModel) Init() tea.Cmd {
	return tea.Batch(
		startDriverCmd(m.driver, m.description, m.progress),
		waitForProgressCmd(m.progress),
	)
}

func startDriverCmd(driver *task.Driver, description string, progress chan task.Progress) tea.Cmd {
	return func() tea.Msg {
		result, err := driver.Run(context.Background(), task.Submission{
			TaskDescription: description,
		})
		close(progress)
		return runDoneMsg{result: result, err: err}
	}
}

func waitForProgressCmd(in <-chan task.Progress) tea.Cmd {
	return func() tea.Msg {
		p, ok := <-in
		if !ok {
			return nil
		}
		return progressMsg(p)
	}
}

func (m taskModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q":
			if m.done {
				return m, tea.Quit
			}
			return m, nil
		case "s", "ctrl+c":
			if m.done {
				return m, tea.Quit
			}
			if !m.stopping {
				m.stopping = true
				m.appendEvent("stop requested")
				m.driver.Stop()
			}
			return m, nil
		}
		return m, nil
	case progressMsg:
		m.handleProgress(task.Progress(msg))
		return m, waitForProgressCmd(m.progress)
	case runDoneMsg:
		m.done = true
		m.result = msg.result
		m.runErr = msg.err
		m.state = msg.result.State
		return m, nil
	default:
		return m, nil
	}
}

func (m *taskModel) handleProgress(p task.Progress) {
	if p.Iteration > 0 {
		m.iteration = p.Iteration
	}
	switch p.Kind {
	case task.ProgressSessionCreated:
		m.sessionID = p.SessionID
		m.state = task.StateStreaming
		m.appendEvent("session " + p.SessionID)
	case task.ProgressDelta:
		m.content += p.Delta
		m.chars = p.CharsReceived
	case task.ProgressOperationStart:
		m.operation = p.Operation
		m.appendEvent("operation: " + p.Operation)
	case task.ProgressOperationComplete:
		if m.operation != "" {
			m.appendEvent("operation done: " + m.operation)
		}
		m.operation = ""
	case task.ProgressIterationComplete:
		m.content = ""
		m.appendEvent(fmt.Sprintf("iteration %d complete, status=%s", p.Iteration, p.Status))
	case task.ProgressRetry:
		m.appendEvent(p.Message)
	case task.ProgressWarning:
		m.state = p.State
		m.appendEvent("warning: " + p.Message)
	case task.ProgressCancelled:
		m.state = task.StateAborted
		m.appendEvent("cancelled")
	case task.ProgressTerminal:
		m.state = p.State
		if p.Message != "" {
			m.appendEvent(p.Message)
		} else {
			m.appendEvent("task " + string(p.State))
		}
	}
}

func (m *taskModel) appendEvent(line string) {
	m.events = append(m.events, fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), line))
	if len(m.events) > 400 {
		m.events = m.events[len(m.events)-400:]
	}
}

func (m taskModel) View() string {
	accent := lipgloss.Color("#38BDF8")
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#06151F")).
		Background(accent).
		Padding(0, 1).
		Render("Stackpilot Task")

	statusStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#06151F")).
		Background(accent).
		Padding(0, 1)
	switch m.state {
	case task.StateFailed:
		statusStyle = statusStyle.Background(lipgloss.Color("#EF4444")).Foreground(lipgloss.Color("#FEF2F2"))
	case task.StateAborted, task.StateExhausted:
		statusStyle = statusStyle.Background(lipgloss.Color("#6B7280")).Foreground(lipgloss.Color("#F9FAFB"))
	case task.StateComplete:
		statusStyle = statusStyle.Background(lipgloss.Color("#34D399"))
	}
	status := statusStyle.Render(strings.ToUpper(string(m.state)))

	session := m.sessionID
	if session == "" {
		session = "-"
	}
	progressLine := fmt.Sprintf("iteration=%d session=%s chars=%d", m.iteration, session, m.chars)
	if m.operation != "" {
		progressLine += " op=" + m.operation
	}
	meta := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7DD3FC")).
		Render(progressLine)

	panelWidth := bodyWidth(m.width)
	reasoningHeight, eventsHeight := panelHeights(m.height)

	reasoning := partialjson.Reasoning(m.content)
	reasoningLines := wrapLines(reasoning, panelWidth-4)
	if len(reasoningLines) == 0 {
		reasoningLines = []string{"waiting for the agent..."}
	}
	reasoningPanel := renderPanel("Reasoning", reasoningLines, panelWidth, reasoningHeight, accent)

	eventLines := m.events
	if len(eventLines) == 0 {
		eventLines = []string{"submitting task..."}
	}
	eventsPanel := renderPanel("Events", eventLines, panelWidth, eventsHeight, accent)

	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7DD3FC")).
		Render("s: stop  q: quit when finished")
	if m.done {
		footer = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7DD3FC")).
			Render("finished, q: quit")
	}
	if m.runErr != nil && !errors.Is(m.runErr, task.ErrAborted) {
		footer = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Render("error: " + m.runErr.Error() + "  q: quit")
	}

	return strings.Join([]string{title + " " + status, meta, reasoningPanel, eventsPanel, footer}, "\n")
}

func panelHeights(terminalHeight int) (reasoning, events int) {
	available := terminalHeight - 4
	if available < 12 {
		available = 12
	}
	reasoning = available * 2 / 3
	events = available - reasoning
	if events < 4 {
		events = 4
		reasoning = available - events
	}
	return reasoning, events
}

func renderPanel(title string, lines []string, width, height int, accent lipgloss.Color) string {
	if height < 3 {
		height = 3
	}
	contentHeight := height - 1
	if len(lines) > contentHeight {
		lines = lines[len(lines)-contentHeight:]
	}
	for len(lines) < contentHeight {
		lines = append(lines, "")
	}
	content := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title) + "\n" + strings.Join(lines, "\n")

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Width(width).
		Height(height).
		Padding(0, 1).
		Render(content)
}

func wrapLines(s string, width int) []string {
	if s == "" {
		return nil
	}
	if width < 16 {
		width = 16
	}
	var out []string
	for _, raw := range strings.Split(s, "\n") {
		for len(raw) > width {
			out = append(out, raw[:width])
			raw = raw[width:]
		}
		out = append(out, raw)
	}
	return out
}

func bodyWidth(terminalWidth int) int {
	if terminalWidth <= 0 {
		return 80
	}
	w := terminalWidth - 2
	if w < 40 {
		return 40
	}
	return w
}

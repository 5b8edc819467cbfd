package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/wippyai/fabric/config"
	"github.com/wippyai/fabric/engine"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateInputEvent
	stateShowResult
)

// Event form fields.
const (
	eventName = iota
	eventInts
	eventBools
)

type interactiveModel struct {
	err      error
	cfg      *config.Config
	host     *gameHost
	exec     *engine.Context
	filename string
	title    string
	result   string
	funcs    []string
	inputs   []textinput.Model
	selected int
	focusIdx int
	state    modelState
}

func newInteractiveModel(filename string, cfg *config.Config) *interactiveModel {
	return &interactiveModel{
		filename: filename,
		cfg:      cfg,
		state:    stateSelectFunc,
	}
}

type loadedMsg struct {
	err   error
	host  *gameHost
	exec  *engine.Context
	funcs []string
}

type callResultMsg struct {
	err    error
	result string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadModule
}

func (m *interactiveModel) loadModule() tea.Msg {
	// The TUI owns the terminal, so engine and guest logs are dropped.
	host, c, err := loadModule(context.Background(), m.filename, m.cfg, zap.NewNop())
	if err != nil {
		return loadedMsg{err: err}
	}
	return loadedMsg{host: host, exec: c, funcs: c.Exports()}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.close()
			return m, tea.Quit

		case "q":
			if m.state != stateInputArgs && m.state != stateInputEvent {
				m.close()
				return m, tea.Quit
			}

		case "up":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "e":
			if m.state == stateSelectFunc && m.exec != nil {
				m.prepareEventInputs()
				m.state = stateInputEvent
				return m, nil
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					return m, nil
				}
				m.prepareArgInputs()
				if len(m.inputs) == 0 {
					return m, m.callFunction
				}
				m.state = stateInputArgs
				return m, nil

			case stateInputArgs:
				return m, m.callFunction

			case stateInputEvent:
				return m, m.fireEvent

			case stateShowResult:
				m.reset()
				return m, nil
			}

		case "tab":
			if (m.state == stateInputArgs || m.state == stateInputEvent) && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			if m.state != stateSelectFunc {
				m.reset()
				return m, nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.host = msg.host
		m.exec = msg.exec
		m.funcs = msg.funcs

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs || m.state == stateInputEvent {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) reset() {
	m.state = stateSelectFunc
	m.inputs = nil
	m.result = ""
	m.err = nil
}

func (m *interactiveModel) close() {
	if m.exec != nil {
		_ = m.exec.Close(context.Background())
	}
}

func (m *interactiveModel) prepareArgInputs() {
	f, _ := m.exec.Export(m.funcs[m.selected])
	params := f.Signature().Params
	m.title = f.Name()
	m.inputs = make([]textinput.Model, len(params))
	for i, p := range params {
		ti := textinput.New()
		ti.Placeholder = p.String()
		ti.Prompt = fmt.Sprintf("arg%d: ", i)
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) prepareEventInputs() {
	m.title = "event"
	fields := []struct{ prompt, placeholder string }{
		eventName:  {"name: ", "player_spawn"},
		eventInts:  {"ints: ", "userid=7,team=2"},
		eventBools: {"bools: ", "bot=true"},
	}
	m.inputs = make([]textinput.Model, len(fields))
	for i, f := range fields {
		ti := textinput.New()
		ti.Prompt = f.prompt
		ti.Placeholder = f.placeholder
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) callFunction() tea.Msg {
	name := m.funcs[m.selected]
	args := make([]uint64, len(m.inputs))
	for i, input := range m.inputs {
		v, err := strconv.ParseInt(strings.TrimSpace(input.Value()), 0, 64)
		if err != nil {
			return callResultMsg{err: fmt.Errorf("arg%d: %w", i, err)}
		}
		args[i] = uint64(v)
	}

	results, err := m.host.Call(context.Background(), m.exec, name, args...)
	if err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: fmt.Sprintf("%v", results)}
}

func (m *interactiveModel) fireEvent() tea.Msg {
	ev, err := parseEvent(m.inputs[eventName].Value(), m.inputs[eventInts].Value(), m.inputs[eventBools].Value())
	if err != nil {
		return callResultMsg{err: err}
	}
	n, err := m.host.Fire(context.Background(), m.exec, ev)
	if err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: fmt.Sprintf("%s delivered to %d listener(s)", ev.Name, n)}
}

// parseEvent builds an event from the form's comma-separated key=value
// lists.
func parseEvent(name, ints, bools string) (config.Event, error) {
	ev := config.Event{
		Name:  strings.TrimSpace(name),
		Ints:  make(map[string]int32),
		Bools: make(map[string]bool),
	}
	if ev.Name == "" {
		return ev, fmt.Errorf("event name is required")
	}
	for _, kv := range splitList(ints) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return ev, fmt.Errorf("int field %q: want key=value", kv)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 0, 32)
		if err != nil {
			return ev, fmt.Errorf("int field %q: %w", k, err)
		}
		ev.Ints[strings.TrimSpace(k)] = int32(n)
	}
	for _, kv := range splitList(bools) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return ev, fmt.Errorf("bool field %q: want key=value", kv)
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return ev, fmt.Errorf("bool field %q: %w", k, err)
		}
		ev.Bools[strings.TrimSpace(k)] = b
	}
	return ev, nil
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.exec == nil {
		return "Loading module..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("Fabric Runner"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString(helpStyle.Render(fmt.Sprintf("  externs live: %d", m.exec.Externs().Live())))
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		b.WriteString("Select a function to call:\n\n")
		for i, name := range m.funcs {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + m.formatFunc(name)))
			} else {
				b.WriteString("  " + m.formatFunc(name))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • e fire event • q quit"))

	case stateInputArgs, stateInputEvent:
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(m.title)))
		for _, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter submit • esc back"))

	case stateShowResult:
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(m.title)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) formatFunc(name string) string {
	f, _ := m.exec.Export(name)
	return funcStyle.Render(name) + typeStyle.Render(f.Signature().String())
}

func runInteractive(filename string, cfg *config.Config, logger *zap.Logger) error {
	logger.Debug("starting interactive console", zap.String("module", filename))
	p := tea.NewProgram(newInteractiveModel(filename, cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

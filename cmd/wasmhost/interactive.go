package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-host/engine"
	"github.com/wippyai/wasm-host/runtime"
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

func newInteractiveCmd() *cobra.Command {
	var f pluginFlags

	cmd := &cobra.Command{
		Use:     "interactive <module.wasm|manifest.yaml>",
		Aliases: []string{"tui"},
		Short:   "Pick exports and call them from a terminal UI",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runInteractive(args[0], &f)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

type interactiveModel struct {
	err      error
	hc       *runtime.Context
	plugin   *runtime.Plugin
	flags    *pluginFlags
	filename string
	result   []byte
	funcs    []engine.FunctionInfo
	input    textinput.Model
	selected int
	hexInput bool
	state    modelState
}

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInput
	stateShowResult
)

func newInteractiveModel(filename string, flags *pluginFlags) *interactiveModel {
	return &interactiveModel{
		filename: filename,
		flags:    flags,
		hc:       runtime.Open(),
		state:    stateSelectFunc,
	}
}

type loadedMsg struct {
	err    error
	plugin *runtime.Plugin
}

type callResultMsg struct {
	err    error
	result []byte
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadPlugin
}

func (m *interactiveModel) loadPlugin() tea.Msg {
	p, err := loadPlugin(context.Background(), m.hc, m.filename, m.flags)
	return loadedMsg{plugin: p, err: err}
}

func (m *interactiveModel) close() {
	_ = m.hc.Close(context.Background())
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.close()
			return m, tea.Quit

		case "q":
			if m.state != stateInput {
				m.close()
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					return m, nil
				}
				m.prepareInput()
				m.state = stateInput
				return m, nil

			case stateInput:
				return m, m.callFunction(m.funcs[m.selected].Name, m.input.Value(), m.hexInput)

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = nil
				m.err = nil
			}

		case "tab":
			if m.state == stateInput {
				m.hexInput = !m.hexInput
				m.input.Placeholder = m.placeholder()
				return m, nil
			}

		case "esc":
			switch m.state {
			case stateInput:
				m.state = stateSelectFunc
			case stateShowResult:
				m.state = stateSelectFunc
				m.result = nil
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.plugin = msg.plugin
		m.funcs = msg.plugin.Info().Exports

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInput {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *interactiveModel) placeholder() string {
	if m.hexInput {
		return "hex bytes"
	}
	return "text"
}

func (m *interactiveModel) prepareInput() {
	ti := textinput.New()
	ti.Prompt = "input: "
	ti.Placeholder = m.placeholder()
	ti.Width = 60
	ti.Focus()
	m.input = ti
}

func (m *interactiveModel) callFunction(name, value string, isHex bool) tea.Cmd {
	p := m.plugin
	return func() tea.Msg {
		input := []byte(value)
		if isHex {
			b, err := hex.DecodeString(strings.ReplaceAll(value, " ", ""))
			if err != nil {
				return callResultMsg{err: err}
			}
			input = b
		}
		out, err := p.Call(context.Background(), name, input)
		return callResultMsg{result: out, err: err}
	}
}

// formatOutput shows valid UTF-8 as text and anything else as hex.
func formatOutput(out []byte) string {
	if len(out) == 0 {
		return "(empty)"
	}
	if utf8.Valid(out) {
		return string(out)
	}
	return "hex: " + hex.EncodeToString(out)
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.plugin == nil {
		return "Loading plugin..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("WASM Host"))
	b.WriteString(" ")
	b.WriteString(m.plugin.Name())
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		if len(m.funcs) == 0 {
			b.WriteString("The module exports no functions.\n\n")
			b.WriteString(helpStyle.Render("q quit"))
			break
		}
		b.WriteString("Select an export to call:\n\n")
		for i, f := range m.funcs {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + f.Name + " " + f.Signature()))
			} else {
				b.WriteString("  " + formatFunc(f))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter choose • q quit"))

	case stateInput:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(f.Name)))
		b.WriteString(m.input.View())
		b.WriteString(" ")
		b.WriteString(typeStyle.Render(m.placeholder()))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("tab text/hex • enter call • esc back"))

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(f.Name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(formatOutput(m.result)))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func formatFunc(f engine.FunctionInfo) string {
	return funcStyle.Render(f.Name) + " " + typeStyle.Render(f.Signature())
}

func runInteractive(filename string, flags *pluginFlags) error {
	model := newInteractiveModel(filename, flags)
	defer model.close()

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	if err != nil {
		return err
	}
	return model.err
}

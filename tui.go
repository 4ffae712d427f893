package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"friendrec/log"
	"friendrec/pipeline"
)

type sessionMsg pipeline.Session
type copiedMsg struct{ err error }
type tickMsg time.Time

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(10)
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(0, 1)
)

// primaryFunc triggers the controller's primary action with the current key.
type primaryFunc func(apiKey string)

type tuiModel struct {
	primary  primaryFunc
	target   string
	session  pipeline.Session
	apiKey   string
	keyInput textinput.Model
	editing  bool
	notice   string
	recStart time.Time
	now      time.Time
	width    int
}

func newTUIModel(primary primaryFunc, target, apiKey string) tuiModel {
	ti := textinput.New()
	ti.Placeholder = "Hume API key"
	ti.EchoMode = textinput.EchoPassword
	ti.EchoCharacter = '•'
	ti.Width = 40
	return tuiModel{primary: primary, target: target, apiKey: apiKey, keyInput: ti, now: time.Now()}
}

// tuiSink forwards controller snapshots into a running program.
type tuiSink struct{ p *tea.Program }

func (s tuiSink) SessionChanged(sess pipeline.Session) { s.p.Send(sessionMsg(sess)) }

func tuiTick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func copyJobID(id string) tea.Cmd {
	return func() tea.Msg { return copiedMsg{err: clipboard.WriteAll(id)} }
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		m.now = time.Time(msg)
		return m, tuiTick()

	case sessionMsg:
		s := pipeline.Session(msg)
		if s.Recording == pipeline.RecordingActive && m.session.Recording != pipeline.RecordingActive {
			m.recStart = time.Now()
		}
		m.session = s

	case copiedMsg:
		if msg.err != nil {
			log.Warnf("clipboard: %v", msg.err)
			m.notice = "Copy failed: " + msg.err.Error()
		} else {
			m.notice = "Job id copied"
		}

	case tea.KeyMsg:
		if m.editing {
			return m.updateKeyInput(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case " ", "enter":
			m.notice = ""
			m.primary(m.apiKey)
		case "k":
			m.editing = true
			m.notice = ""
			m.keyInput.SetValue("")
			return m, m.keyInput.Focus()
		case "c":
			if m.session.LastJobID == "" {
				m.notice = "No job yet"
				return m, nil
			}
			return m, copyJobID(m.session.LastJobID)
		}
	}
	return m, nil
}

func (m tuiModel) updateKeyInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyEnter:
		m.apiKey = strings.TrimSpace(m.keyInput.Value())
		m.editing = false
		m.keyInput.Blur()
		if m.apiKey == "" {
			m.notice = "API key cleared"
		} else {
			m.notice = "API key set"
		}
		return m, nil
	case tea.KeyEsc:
		m.editing = false
		m.keyInput.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.keyInput, cmd = m.keyInput.Update(msg)
	return m, cmd
}

func (m tuiModel) row(label, value string) string {
	return labelStyle.Render(label) + value
}

func (m tuiModel) linkLine() string {
	s := m.session
	switch {
	case s.Link == pipeline.LinkConnected:
		return okStyle.Render("● connected") + valueStyle.Render(" "+s.DeviceLabel)
	case s.Link == pipeline.LinkConnecting:
		return warnStyle.Render("◌ connecting to " + m.target)
	case s.Scan == pipeline.ScanScanning:
		return warnStyle.Render("◌ scanning for " + m.target)
	}
	return dimStyle.Render("○ disconnected")
}

func batteryBar(percent int) string {
	p := min(max(percent, 0), 100)
	filled := p / 10
	style := okStyle
	if p < 20 {
		style = warnStyle
	}
	return style.Render(strings.Repeat("█", filled)) + dimStyle.Render(strings.Repeat("░", 10-filled)) + valueStyle.Render(fmt.Sprintf(" %d%%", percent))
}

func (m tuiModel) View() string {
	s := m.session
	var lines []string
	lines = append(lines, titleStyle.Render("friendrec")+dimStyle.Render(" "+version), "")

	lines = append(lines, m.row("device", m.linkLine()))
	if s.Link == pipeline.LinkConnected {
		lines = append(lines, m.row("battery", batteryBar(s.BatteryPercent)))
	}

	rec := dimStyle.Render("○ standby")
	if s.Recording == pipeline.RecordingActive {
		elapsed := m.now.Sub(m.recStart)
		if elapsed < 0 {
			elapsed = 0
		}
		rec = recStyle.Render(fmt.Sprintf("● REC %.1fs", elapsed.Seconds()))
	}
	lines = append(lines, m.row("audio", rec))

	upload := dimStyle.Render("-")
	if s.Uploading {
		upload = warnStyle.Render("uploading...")
	} else if s.LastJobID != "" {
		upload = okStyle.Render(s.LastJobID)
	}
	lines = append(lines, m.row("last job", upload))

	key := warnStyle.Render("not set")
	if m.apiKey != "" {
		key = okStyle.Render("set")
	}
	lines = append(lines, m.row("api key", key))

	if s.Message != "" {
		lines = append(lines, "")
		width := m.width - 6
		if width < 20 {
			width = 60
		}
		for _, l := range wrapText(s.Message, width) {
			lines = append(lines, valueStyle.Render(l))
		}
	}
	if m.notice != "" {
		lines = append(lines, dimStyle.Render(m.notice))
	}

	lines = append(lines, "")
	if m.editing {
		lines = append(lines, m.keyInput.View(), dimStyle.Render("enter to save, esc to cancel"))
	} else {
		lines = append(lines, helpKeyStyle.Render("space")+dimStyle.Render(" "+m.actionHint()+"  ")+
			helpKeyStyle.Render("k")+dimStyle.Render(" api key  ")+
			helpKeyStyle.Render("c")+dimStyle.Render(" copy job  ")+
			helpKeyStyle.Render("q")+dimStyle.Render(" quit"))
	}
	return panelStyle.Render(strings.Join(lines, "\n")) + "\n"
}

func (m tuiModel) actionHint() string {
	s := m.session
	switch {
	case s.Recording == pipeline.RecordingActive:
		return "stop & upload"
	case s.Link == pipeline.LinkConnected:
		return "record"
	case s.Scan == pipeline.ScanScanning || s.Link == pipeline.LinkConnecting:
		return "searching"
	}
	return "connect"
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}

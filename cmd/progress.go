package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Messages the ingester publishes into the TUI
type channelStartMsg struct {
	index   int
	channel string
}

type channelDoneMsg struct {
	index   int
	channel string
	outcome string // done, fresh, locked, failed, cancelled
}

type runDoneMsg struct {
	stats *RunStats
	err   error
}

type logLineMsg string

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)
)

const messageTail = 10

type channelLine struct {
	channel string
	outcome string
}

type progressModel struct {
	cancel context.CancelFunc

	overallProgress progress.Model
	currentSpinner  spinner.Model

	total          int
	done           int
	currentChannel string
	recent         []channelLine
	messages       []string
	startTime      time.Time

	finished bool
	width    int
}

func newProgressModel(cancel context.CancelFunc, totalChannels int) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	overallProg := progress.New(
		progress.WithScaledGradient("#FF7CCB", "#FDFF8C"),
		progress.WithWidth(60),
	)

	return progressModel{
		cancel:          cancel,
		overallProgress: overallProg,
		currentSpinner:  s,
		total:           totalChannels,
		startTime:       time.Now(),
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(m.currentSpinner.Tick, tea.EnterAltScreen)
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			// First press cancels cooperatively; the run flushes and
			// checkpoints, then sends runDoneMsg
			m.cancel()
			m.addMessage("⚠️  Cancelling, flushing buffered progress...")
			return m, nil
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.overallProgress.Width = msg.Width - 10
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.currentSpinner, cmd = m.currentSpinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		model, cmd := m.overallProgress.Update(msg)
		if pm, ok := model.(progress.Model); ok {
			m.overallProgress = pm
		}
		return m, cmd

	case channelStartMsg:
		m.currentChannel = msg.channel
		return m, nil

	case channelDoneMsg:
		m.done = msg.index + 1
		m.currentChannel = ""
		m.recent = append(m.recent, channelLine{channel: msg.channel, outcome: msg.outcome})
		if len(m.recent) > 5 {
			m.recent = m.recent[len(m.recent)-5:]
		}
		if m.total > 0 {
			return m, m.overallProgress.SetPercent(float64(m.done) / float64(m.total))
		}
		return m, nil

	case logLineMsg:
		m.addMessage(string(msg))
		return m, nil

	case runDoneMsg:
		m.finished = true
		return m, tea.Sequence(tea.ExitAltScreen, tea.Quit)
	}
	return m, nil
}

func (m *progressModel) addMessage(msg string) {
	m.messages = append(m.messages, msg)
	if len(m.messages) > messageTail {
		m.messages = m.messages[len(m.messages)-messageTail:]
	}
}

func (m progressModel) renderBanner() []string {
	titleStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF7CCB")).Bold(true)
	authorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))

	return []string{
		"",
		"   " + titleStyle.Render("Channel Archiver") + " " + authorStyle.Render("v"+Version),
		"   " + authorStyle.Render("Created by Airframes <hello@airframes.io>"),
		"",
	}
}

func (m progressModel) renderMessages() []string {
	sections := []string{helpStyle.Render("   Log:")}
	if len(m.messages) == 0 {
		sections = append(sections, "     (waiting for operations...)")
		return sections
	}
	for _, msg := range m.messages {
		sections = append(sections, "     "+msg)
	}
	return sections
}

func (m progressModel) renderSeparator() []string {
	separatorWidth := 80
	if m.width > 0 && m.width < 200 {
		separatorWidth = m.width - 6
	}
	separator := "   " + strings.Repeat("─", separatorWidth)
	return []string{"", lipgloss.NewStyle().Foreground(lipgloss.Color("#444")).Render(separator), ""}
}

func (m progressModel) renderChannels() []string {
	var sections []string
	sections = append(sections, tableHeaderStyle.Render("   Processing Channels"))
	sections = append(sections, "")

	overallInfo := fmt.Sprintf("   Overall: %d/%d channels", m.done, m.total)
	sections = append(sections, progressInfoStyle.Render(overallInfo))

	if m.total > 0 {
		sections = append(sections, "   "+m.overallProgress.ViewAs(float64(m.done)/float64(m.total)))
	}

	if m.currentChannel != "" {
		stageInfo := fmt.Sprintf("   %s %s", m.currentSpinner.View(), m.currentChannel)
		sections = append(sections, "")
		sections = append(sections, stageStyle.Render(stageInfo))
	}

	if len(m.recent) > 0 {
		sections = append(sections, "")
		sections = append(sections, tableHeaderStyle.Render("   Recent Channels"))
		for _, line := range m.recent {
			var icon string
			switch line.outcome {
			case "done":
				icon = "✅"
			case "fresh":
				icon = "⏭️ "
			case "locked":
				icon = "🔒"
			case "failed":
				icon = "❌"
			case "capped":
				icon = "🧢"
			case "cancelled":
				icon = "⚠️ "
			default:
				icon = "•"
			}
			sections = append(sections, fmt.Sprintf("   %s %s", icon, line.channel))
		}
	}

	return sections
}

func (m progressModel) View() string {
	if m.finished {
		return ""
	}

	var sections []string
	sections = append(sections, m.renderBanner()...)
	sections = append(sections, m.renderMessages()...)
	sections = append(sections, m.renderSeparator()...)
	sections = append(sections, m.renderChannels()...)
	sections = append(sections, "")
	sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' to quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// teaLogHandler forwards formatted log lines into the TUI message log so
// structured logging keeps working while the alternate screen is up.
type teaLogHandler struct {
	program *tea.Program
	level   slog.Level
	attrs   []slog.Attr
}

func newTeaLogHandler(program *tea.Program, level slog.Level) slog.Handler {
	return &teaLogHandler{program: program, level: level}
}

func (h *teaLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *teaLogHandler) Handle(_ context.Context, record slog.Record) error {
	line := record.Message
	record.Attrs(func(attr slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", attr.Key, attr.Value)
		return true
	})
	for _, attr := range h.attrs {
		line += fmt.Sprintf(" %s=%v", attr.Key, attr.Value)
	}
	if line != "" {
		h.program.Send(logLineMsg(line))
	}
	return nil
}

func (h *teaLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *teaLogHandler) WithGroup(_ string) slog.Handler {
	return h
}

// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/msgfleet/msgfleet/observer"
	"github.com/msgfleet/msgfleet/wire"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	faintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1).
			MarginRight(1)

	selectedCardStyle = cardStyle.
				BorderForeground(lipgloss.Color("75"))

	statusStyles = map[string]lipgloss.Style{
		"pending":       lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"authenticated": lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
		"ready":         lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		"disconnected":  lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
	}

	phaseStyles = map[observer.Phase]lipgloss.Style{
		observer.PhaseConnected:    lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		observer.PhaseConnecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		observer.PhaseDisconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		observer.PhaseGaveUp:       lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
	}
)

// updateMsg carries one manager update into the bubbletea loop.
type updateMsg observer.Update

// model is the watcher's bubbletea model: the latest manager update
// plus a card selection cursor.
type model struct {
	manager    *observer.Manager
	serverAddr string
	spinner    spinner.Model

	latest   observer.Update
	selected int
	width    int

	actionErr string
}

func newModel(manager *observer.Manager, serverAddr string) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	return model{
		manager:    manager,
		serverAddr: serverAddr,
		spinner:    sp,
		latest:     observer.Update{Phase: observer.PhaseConnecting},
	}
}

// waitForUpdate blocks on the manager's update stream.
func waitForUpdate(manager *observer.Manager) tea.Cmd {
	return func() tea.Msg {
		update, ok := <-manager.Updates()
		if !ok {
			return nil
		}
		return updateMsg(update)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(m.manager), m.spinner.Tick)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case updateMsg:
		m.latest = observer.Update(msg)
		if m.selected >= len(m.latest.Sessions) {
			m.selected = max(0, len(m.latest.Sessions)-1)
		}
		return m, waitForUpdate(m.manager)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.latest.Sessions)-1 {
				m.selected++
			}
		case "n":
			m.actionErr = ""
			if err := m.manager.Send(wire.CreateSession{}); err != nil {
				m.actionErr = fmt.Sprintf("create failed: %v", err)
			}
		case "d":
			m.actionErr = ""
			if m.selected < len(m.latest.Sessions) {
				id := m.latest.Sessions[m.selected].SessionID
				if err := m.manager.Send(wire.DeleteSession{SessionID: id}); err != nil {
					m.actionErr = fmt.Sprintf("delete failed: %v", err)
				}
			}
		}
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("msgfleet"))
	b.WriteString(faintStyle.Render("  " + m.serverAddr + "  "))
	b.WriteString(m.renderPhase())
	b.WriteString("\n\n")

	if len(m.latest.Sessions) == 0 {
		b.WriteString(faintStyle.Render("no sessions — press n to create one"))
		b.WriteString("\n")
	} else {
		for i, summary := range m.latest.Sessions {
			b.WriteString(m.renderCard(summary, i == m.selected))
			b.WriteString("\n")
		}
	}

	if m.latest.Notice != "" {
		b.WriteString("\n")
		b.WriteString(noticeStyle.Render("server: " + m.latest.Notice))
		b.WriteString("\n")
	}
	if m.actionErr != "" {
		b.WriteString("\n")
		b.WriteString(noticeStyle.Render(m.actionErr))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(faintStyle.Render("n new · d delete · ↑/↓ select · q quit"))
	return b.String()
}

func (m model) renderPhase() string {
	style, ok := phaseStyles[m.latest.Phase]
	if !ok {
		style = faintStyle
	}
	switch m.latest.Phase {
	case observer.PhaseConnecting:
		label := "connecting"
		if m.latest.Attempt > 0 {
			label = fmt.Sprintf("reconnecting (attempt %d)", m.latest.Attempt)
		}
		return m.spinner.View() + style.Render(label)
	case observer.PhaseGaveUp:
		return style.Render("gave up — restart to retry")
	default:
		return style.Render(string(m.latest.Phase))
	}
}

func (m model) renderCard(summary wire.SessionSummary, selected bool) string {
	style := cardStyle
	if selected {
		style = selectedCardStyle
	}
	statusStyle, ok := statusStyles[summary.Status]
	if !ok {
		statusStyle = faintStyle
	}

	var lines []string
	lines = append(lines,
		headerStyle.Render(summary.SessionID)+"  "+statusStyle.Render(summary.Status))
	if summary.PhoneNumber != "" {
		lines = append(lines, "phone  "+summary.PhoneNumber)
	}
	if summary.QRCode != "" {
		lines = append(lines, statusStyles["pending"].Render("qr ready")+
			faintStyle.Render("  "+truncate(summary.QRCode, 40)))
	}
	if !summary.LastActiveAt.IsZero() {
		lines = append(lines, faintStyle.Render("active "+summary.LastActiveAt.Local().Format(time.TimeOnly)))
	}
	return style.Render(strings.Join(lines, "\n"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

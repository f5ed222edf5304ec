package main

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"aria/session"
)

// TUI message types
type RecordingStartMsg struct{}
type RecordingStopMsg struct{}
type RecordingTickMsg struct{ Duration float64 }
type AudioLevelMsg struct{ Level float64 }
type TranscriptionMsg struct {
	Text       string
	Confidence float64
	Rejected   bool // gated below the confidence threshold
	NoSpeech   bool
}
type ReplyMsg struct{ Text string }
type SessionStateMsg struct{ State session.State }
type StatusMsg struct{ State, Detail string }
type PlaybackMsg struct {
	Playing  bool
	Position float64
	Duration float64
}
type NoticeMsg struct{ Text string }
type ModeLineMsg struct{ Text string }
type DeviceLineMsg struct{ Text string }
type tickMsg time.Time

type tuiState int

const (
	tuiStateIdle tuiState = iota
	tuiStateRecording
)

type chatEntry struct {
	fromUser bool
	text     string
	rejected bool
}

// tuiControls are invoked from Update on key presses; they must be quick
// or dispatch to goroutines themselves.
type tuiControls struct {
	toggleRecord func()
	togglePause  func()
	stopPlayback func()
}

type tuiModel struct {
	controls tuiControls

	state             tuiState
	frame             int
	recordingDuration float64
	audioLevel        float64
	peakLevel         float64 // peak audio level during current recording
	width, height     int

	sessionState session.State
	statusLine   string
	notice       string
	modeLine     string
	deviceLine   string

	playing     bool
	playbackPos float64
	playbackDur float64

	chat     []chatEntry
	msgCount int
}

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

// Pre-computed pixel styles to avoid allocations in render loop
var (
	pixelColorsRec  = []string{"", "226", "220", "214", "208", "196", "160", "124", "88", "52", "236", "236", "236", "236", "255", "249"}
	pixelColorsIdle = []string{"", "231", "224", "217", "210", "160", "124", "88", "52", "236", "236", "236", "236", "236", "255", "249"}
	pixelStylesRec  [16]lipgloss.Style
	pixelStylesIdle [16]lipgloss.Style
	pixelBgRec      [16][16]lipgloss.Style
	pixelBgIdle     [16][16]lipgloss.Style
)

func init() {
	for i, c := range pixelColorsRec {
		if c != "" {
			pixelStylesRec[i] = lipgloss.NewStyle().Foreground(lipgloss.Color(c))
		}
	}
	for i, c := range pixelColorsIdle {
		if c != "" {
			pixelStylesIdle[i] = lipgloss.NewStyle().Foreground(lipgloss.Color(c))
		}
	}
	for i, fg := range pixelColorsRec {
		for j, bg := range pixelColorsRec {
			if fg != "" && bg != "" {
				pixelBgRec[i][j] = lipgloss.NewStyle().Foreground(lipgloss.Color(fg)).Background(lipgloss.Color(bg))
			}
		}
	}
	for i, fg := range pixelColorsIdle {
		for j, bg := range pixelColorsIdle {
			if fg != "" && bg != "" {
				pixelBgIdle[i][j] = lipgloss.NewStyle().Foreground(lipgloss.Color(fg)).Background(lipgloss.Color(bg))
			}
		}
	}
}

func NewTUIProgram(controls tuiControls) *tea.Program {
	m := tuiModel{controls: controls, sessionState: session.StateDisconnected}
	return tea.NewProgram(m, tea.WithAltScreen())
}

func tuiTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case " ":
			if m.controls.toggleRecord != nil {
				m.controls.toggleRecord()
			}
		case "p":
			if m.controls.togglePause != nil {
				m.controls.togglePause()
			}
		case "s":
			if m.controls.stopPlayback != nil {
				m.controls.stopPlayback()
			}
		}

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case RecordingStartMsg:
		m.state = tuiStateRecording
		m.recordingDuration = 0
		m.audioLevel = 0
		m.peakLevel = 0
		m.notice = ""

	case RecordingStopMsg:
		m.state = tuiStateIdle
		m.audioLevel = 0

	case RecordingTickMsg:
		m.recordingDuration = msg.Duration

	case AudioLevelMsg:
		if m.state == tuiStateRecording {
			m.audioLevel = m.audioLevel*0.6 + msg.Level*0.4
			if msg.Level > m.peakLevel {
				m.peakLevel = msg.Level
			}
		}

	case TranscriptionMsg:
		m.msgCount++
		entry := chatEntry{fromUser: true, text: msg.Text, rejected: msg.Rejected}
		if msg.NoSpeech {
			entry.text = "(no speech detected)"
			entry.rejected = true
		}
		m.chat = append(m.chat, entry)

	case ReplyMsg:
		m.chat = append(m.chat, chatEntry{fromUser: false, text: msg.Text})

	case SessionStateMsg:
		m.sessionState = msg.State

	case StatusMsg:
		m.statusLine = msg.State
		if msg.Detail != "" {
			m.statusLine += ": " + msg.Detail
		}

	case PlaybackMsg:
		m.playing = msg.Playing
		m.playbackPos = msg.Position
		m.playbackDur = msg.Duration

	case NoticeMsg:
		m.notice = msg.Text

	case ModeLineMsg:
		m.modeLine = msg.Text

	case DeviceLineMsg:
		m.deviceLine = msg.Text
	}
	return m, nil
}

func sessionStateColor(s session.State) string {
	switch s {
	case session.StateConnected:
		return "42"
	case session.StateConnecting, session.StateReconnecting:
		return "220"
	case session.StateErrored:
		return "196"
	default:
		return "241"
	}
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	const eyeWidth = 45
	recording := m.state == tuiStateRecording
	level := m.audioLevel
	if !recording {
		level = 0
	}

	eye := renderHALEye(m.frame, level, recording)

	// Build info section below eye
	var infoLines []string

	// Status line
	if recording {
		status := lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true).
			Render(fmt.Sprintf("● REC %.1fs", m.recordingDuration))
		infoLines = append(infoLines, status)
		// Voice detection warning (after 1s of recording with no voice)
		if m.recordingDuration > 1.0 && m.peakLevel < 0.02 {
			warn := lipgloss.NewStyle().
				Foreground(lipgloss.Color("208")).
				Render("  ⚠ no voice detected")
			infoLines = append(infoLines, warn)
		}
	} else if m.playing {
		status := lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true).
			Render(fmt.Sprintf("▶ SPEAKING %.0fs/%.0fs", m.playbackPos, m.playbackDur))
		infoLines = append(infoLines, status)
	} else {
		status := lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Render("○ STANDBY")
		infoLines = append(infoLines, status)
	}

	// Session link state
	linkLine := lipgloss.NewStyle().
		Foreground(lipgloss.Color(sessionStateColor(m.sessionState))).
		Render("link: " + m.sessionState.String())
	infoLines = append(infoLines, linkLine)

	// Backend status update, when one arrived
	if m.statusLine != "" {
		infoLines = append(infoLines, lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Render(m.statusLine))
	}

	if m.notice != "" {
		infoLines = append(infoLines, lipgloss.NewStyle().
			Foreground(lipgloss.Color("208")).
			Render(m.notice))
	}

	// Mode line
	if m.modeLine != "" {
		infoLines = append(infoLines, lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Render(m.modeLine))
	}

	// Device line
	if m.deviceLine != "" {
		infoLines = append(infoLines, lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Render(m.deviceLine))
	}

	// Empty line for spacing
	infoLines = append(infoLines, "")

	// Help line with version
	helpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	boldStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	infoLines = append(infoLines, boldStyle.Render("space")+helpStyle.Render(" talk  ")+
		boldStyle.Render("p")+helpStyle.Render(" pause  ")+
		boldStyle.Render("s")+helpStyle.Render(" stop  ")+
		boldStyle.Render("q")+helpStyle.Render(" quit"))
	infoLines = append(infoLines, helpStyle.Render("aria "+version))

	// Append info to eye
	for _, line := range infoLines {
		eye += line + "\n"
	}

	eyeLines := strings.Split(eye, "\n")

	// Calculate conversation panel width
	logWidth := m.width - eyeWidth - 1
	if logWidth < 20 {
		logWidth = 20
	}

	var logContent strings.Builder
	wrapWidth := logWidth - 2
	if wrapWidth < 10 {
		wrapWidth = 10
	}

	if len(m.chat) > 0 {
		title := lipgloss.NewStyle().
			Foreground(lipgloss.Color("246")).
			Render(fmt.Sprintf("Conversation (#%d)", m.msgCount))
		logContent.WriteString(title + "\n\n")

		userStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
		rejectStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
		replyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

		// Render the tail that fits
		start := 0
		if len(m.chat) > 8 {
			start = len(m.chat) - 8
		}
		for _, e := range m.chat[start:] {
			style := replyStyle
			prefix := "assistant  "
			if e.fromUser {
				style = userStyle
				prefix = "you        "
				if e.rejected {
					style = rejectStyle
				}
			}
			lines := wrapText(e.text, wrapWidth-len(prefix))
			for i, line := range lines {
				if i == 0 {
					logContent.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Render(prefix))
				} else {
					logContent.WriteString(strings.Repeat(" ", len(prefix)))
				}
				logContent.WriteString(style.Render(line) + "\n")
			}
			logContent.WriteString("\n")
		}
	} else {
		placeholder := lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Render("Press space and speak")
		logContent.WriteString(placeholder)
	}

	logPanel := lipgloss.NewStyle().
		Width(logWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(logContent.String())

	// Pad eye panel to full height (eye at top)
	eyePadded := make([]string, m.height)
	for i := range eyePadded {
		if i < len(eyeLines) {
			eyePadded[i] = eyeLines[i]
		} else {
			eyePadded[i] = strings.Repeat(" ", eyeWidth-1)
		}
	}

	eyePanel := lipgloss.NewStyle().
		Width(eyeWidth - 1).
		Height(m.height).
		Render(strings.Join(eyePadded, "\n"))

	return lipgloss.JoinHorizontal(lipgloss.Top, eyePanel, logPanel)
}

func renderHALEye(frame int, level float64, recording bool) string {
	const charsW = 44
	const charsH = 15
	const pixW = charsW
	const pixH = charsH * 2

	centerX := float64(pixW) / 2
	centerY := float64(pixH) / 2

	// Voice-reactive breathing
	var breathe float64
	if recording {
		breathe = math.Sin(float64(frame)*0.10)*0.03 + level*10.0 - 0.05
	} else {
		breathe = math.Sin(float64(frame)*0.08)*0.02 - 0.05
	}

	pixels := make([][]int, pixH)
	for i := range pixels {
		pixels[i] = make([]int, pixW)
	}

	type ring struct {
		radius     float64
		breatheAmt float64
		colorIdx   int
	}

	rings := []ring{
		{0.6, 0.10, 1},
		{1.3, 0.12, 2},
		{2.0, 0.15, 3},
		{2.8, 0.35, 4}, // red rings: high reactivity
		{3.5, 0.40, 5},
		{4.2, 0.38, 6},
		{5.0, 0.30, 7},
		{5.8, 0.15, 8},
		{6.5, 0.03, 9},
		{7.2, 0.0, 10},
		{8.0, 0.0, 11},
		{10.0, 0.0, 12},
		{12.0, 0.0, 13},
	}

	for y := 0; y < pixH; y++ {
		for x := 0; x < pixW; x++ {
			dx := float64(x) - centerX
			dy := float64(y) - centerY
			dist := math.Sqrt(dx*dx + dy*dy)
			for _, r := range rings {
				radius := r.radius + breathe*r.breatheAmt*20
				if radius > 10.0 {
					radius = 10.0
				}
				if dist < radius {
					pixels[y][x] = r.colorIdx
					break
				}
			}
		}
	}

	// Glass reflections
	type spot struct {
		ox, oy float64
		radius float64
		color  int
	}
	dSide := 9.0
	dSide2 := 7.2
	dTop := 10.0
	dTop2 := 8.2
	spots := []spot{
		{-dSide * 0.707, -dSide * 0.707, 0.7, 14},
		{-dSide2 * 0.707, -dSide2 * 0.707, 0.4, 15},
		{0, -dTop, 0.8, 14},
		{0, -dTop2, 0.6, 15},
		{dSide * 0.707, -dSide * 0.707, 0.7, 14},
		{dSide2 * 0.707, -dSide2 * 0.707, 0.4, 15},
		{0, -2.0, 0.6, 14},
	}
	for y := 0; y < pixH; y++ {
		for x := 0; x < pixW; x++ {
			px := float64(x) - centerX
			py := float64(y) - centerY
			for _, s := range spots {
				dx := px - s.ox
				dy := py - s.oy
				rLen := math.Sqrt(s.ox*s.ox + s.oy*s.oy)
				if rLen < 0.001 {
					rLen = 1
				}
				tx, ty := -s.oy/rLen, s.ox/rLen
				dt := dx*tx + dy*ty
				dn := dx*(-ty) + dy*tx
				if (dt*dt)/9.0+dn*dn < s.radius*s.radius {
					pixels[y][x] = s.color
				}
			}
		}
	}

	// Use pre-computed styles based on recording state
	var styles *[16]lipgloss.Style
	var bgStyles *[16][16]lipgloss.Style
	if recording {
		styles = &pixelStylesRec
		bgStyles = &pixelBgRec
	} else {
		styles = &pixelStylesIdle
		bgStyles = &pixelBgIdle
	}

	var result strings.Builder
	for cy := 0; cy < charsH; cy++ {
		for cx := 0; cx < charsW; cx++ {
			topY := cy * 2
			botY := cy*2 + 1
			top := 0
			bot := 0
			if topY < pixH {
				top = pixels[topY][cx]
			}
			if botY < pixH {
				bot = pixels[botY][cx]
			}
			if top == 0 && bot == 0 {
				result.WriteString(" ")
			} else if top == bot {
				result.WriteString(styles[top].Render("█"))
			} else if top != 0 && bot == 0 {
				result.WriteString(styles[top].Render("▀"))
			} else if top == 0 && bot != 0 {
				result.WriteString(styles[bot].Render("▄"))
			} else {
				result.WriteString(bgStyles[top][bot].Render("▀"))
			}
		}
		result.WriteString("\n")
	}
	return result.String()
}

func sendToTUI(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
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
		// Find last space within width
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

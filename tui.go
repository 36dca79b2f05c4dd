package main

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"relaychat/internal/attach"
	"relaychat/internal/participant"
	"relaychat/internal/wire"
)

// Styles for the TUI
var (
	// Color scheme
	primaryColor    = lipgloss.Color("#7C3AED") // Purple
	accentColor     = lipgloss.Color("#10B981") // Green
	warningColor    = lipgloss.Color("#F59E0B") // Amber
	errorColor      = lipgloss.Color("#EF4444") // Red
	mutedColor      = lipgloss.Color("#6B7280") // Gray
	backgroundColor = lipgloss.Color("#1F2937") // Dark gray

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	presencePanelStyle = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(mutedColor).
				Padding(0, 1)

	messagePanelStyle = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(mutedColor).
				Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Background(backgroundColor).
			Padding(0, 1)

	inputStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)

	systemMessageStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Italic(true)

	errorMessageStyle = lipgloss.NewStyle().
				Foreground(errorColor).
				Bold(true)

	userMessageStyle = lipgloss.NewStyle().
				Foreground(primaryColor).
				Bold(true)

	peerMessageStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#3B82F6"))

	attachmentStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	timestampStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Faint(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(accentColor)
)

const (
	pollInterval      = 50 * time.Millisecond
	presencePanelSize = 30
	maxPresenceShown  = 15

	statusUnreachable  = "could not reach room"
	statusDisconnected = "disconnected"
)

// room is the participant side of the chat as the UI sees it.
type room interface {
	Send(wire.Envelope)
	TryRecv() (wire.Envelope, bool)
	Done() <-chan struct{}
	Err() error
	State() participant.State
	Hosting() bool
	LocalAddr() string
	Address() string
}

type ringer interface {
	Ring()
}

// ChatLine is one rendered entry of the scrollback.
type ChatLine struct {
	Author     string
	Body       string
	Attachment string
	Timestamp  string
	IsSystem   bool
	IsError    bool
	IsOwn      bool
}

// UI represents the TUI model
type UI struct {
	room   room
	name   string
	avatar []byte
	bell   ringer
	logger *slog.Logger

	lines    []ChatLine
	presence []string

	viewport viewport.Model
	textarea textarea.Model
	ready    bool
	width    int
	height   int
	showHelp bool

	lastUpdate time.Time
	status     string
	ended      bool
}

type tickMsg time.Time

// NewUI creates the chat model. bell may be nil.
func NewUI(r room, name string, avatar []byte, bell ringer, logger *slog.Logger) *UI {
	if logger == nil {
		logger = slog.Default()
	}

	ta := textarea.New()
	ta.Placeholder = "Type a message or /help for commands..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 500
	ta.SetWidth(80)
	ta.SetHeight(1)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)

	vp := viewport.New(80, 20)
	vp.SetContent("")

	return &UI{
		room:       r,
		name:       name,
		avatar:     avatar,
		bell:       bell,
		logger:     logger,
		viewport:   vp,
		textarea:   ta,
		lastUpdate: time.Now(),
		status:     participant.Connecting.String(),
	}
}

func (ui *UI) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		ui.tickCmd(),
	)
}

// tickCmd schedules the next poll of the room.
func (ui *UI) tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (ui *UI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return ui, tea.Quit

		case tea.KeyCtrlH:
			ui.showHelp = !ui.showHelp
			ui.updateViewport()
			return ui, nil

		case tea.KeyEnter:
			input := strings.TrimSpace(ui.textarea.Value())
			ui.textarea.Reset()
			if input == "" {
				return ui, nil
			}
			return ui, ui.handleInput(input)
		}

	case tea.WindowSizeMsg:
		ui.width = msg.Width
		ui.height = msg.Height
		ui.ready = true

		headerHeight := 3
		footerHeight := 5
		statusBarHeight := 1
		ui.viewport.Width = max(ui.width-presencePanelSize-5, 10)
		ui.viewport.Height = max(ui.height-headerHeight-footerHeight-statusBarHeight-2, 3)
		ui.textarea.SetWidth(max(ui.width-4, 10))
		ui.updateViewport()

	case tickMsg:
		ui.lastUpdate = time.Time(msg)
		ui.poll()
		return ui, ui.tickCmd()
	}

	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)
	ui.textarea, tiCmd = ui.textarea.Update(msg)
	ui.viewport, vpCmd = ui.viewport.Update(msg)
	return ui, tea.Batch(tiCmd, vpCmd)
}

// handleInput runs a slash command or sends input as a chat message.
func (ui *UI) handleInput(input string) tea.Cmd {
	command, args, _ := strings.Cut(input, " ")
	switch command {
	case "/quit", "/exit":
		return tea.Quit
	case "/help":
		ui.showHelp = !ui.showHelp
		ui.updateViewport()
		return nil
	case "/attach":
		path, caption, _ := strings.Cut(strings.TrimSpace(args), " ")
		if path == "" {
			ui.addError("usage: /attach <path> [caption]")
			return nil
		}
		file, err := attach.Load(path, 0)
		if err != nil {
			ui.addError(err.Error())
			return nil
		}
		ui.sendChat(strings.TrimSpace(caption), file.Data)
		return nil
	}

	if strings.HasPrefix(command, "/") {
		ui.addError(fmt.Sprintf("unknown command %s, try /help", command))
		return nil
	}
	ui.sendChat(input, nil)
	return nil
}

// sendChat queues a chat and echoes it locally; the relay never sends a
// message back to its author.
func (ui *UI) sendChat(body string, attachment []byte) {
	if ui.ended {
		ui.addError(ui.status + ": message not sent")
		return
	}
	env := wire.NewChat(ui.name, body, attachment, ui.avatar)
	ui.room.Send(env)

	ui.appendLine(ChatLine{
		Author:     ui.name,
		Body:       body,
		Attachment: attach.Describe(attachment),
		Timestamp:  env.Chat.Timestamp,
		IsOwn:      true,
	})
}

// poll drains every pending inbound envelope, then checks whether the
// session has ended.
func (ui *UI) poll() {
	for {
		env, ok := ui.room.TryRecv()
		if !ok {
			break
		}
		ui.handleEnvelope(env)
	}

	if ui.ended {
		return
	}
	select {
	case <-ui.room.Done():
		ui.ended = true
		if ui.room.LocalAddr() == "" {
			ui.status = statusUnreachable
		} else {
			ui.status = statusDisconnected
		}
		ui.logger.Warn("session ended", "status", ui.status, "err", ui.room.Err())
		ui.addError(ui.status)
	default:
		ui.status = ui.room.State().String()
	}
}

func (ui *UI) handleEnvelope(env wire.Envelope) {
	switch env.Kind() {
	case wire.KindChat:
		ui.appendLine(ChatLine{
			Author:     env.Chat.Author,
			Body:       env.Chat.Body,
			Attachment: attach.Describe(env.Chat.Attachment),
			Timestamp:  env.Chat.Timestamp,
		})
		if ui.bell != nil {
			ui.bell.Ring()
		}
	case wire.KindNotice:
		ui.appendLine(ChatLine{Body: env.Notice.Text, IsSystem: true, Timestamp: clock()})
	case wire.KindPresence:
		names := make([]string, 0, len(env.Presence.Snapshot))
		for name := range env.Presence.Snapshot {
			names = append(names, name)
		}
		slices.Sort(names)
		ui.presence = names
	case wire.KindJoin, wire.KindLeave:
		// The relay follows these with a snapshot and a notice.
	case wire.KindInvalid:
		ui.logger.Warn("ignoring invalid envelope")
	}
}

func (ui *UI) addError(text string) {
	ui.appendLine(ChatLine{Body: text, IsSystem: true, IsError: true, Timestamp: clock()})
}

func (ui *UI) appendLine(line ChatLine) {
	ui.lines = append(ui.lines, line)
	ui.updateViewport()
	ui.viewport.GotoBottom()
}

func (ui *UI) updateViewport() {
	var content strings.Builder

	if ui.showHelp {
		content.WriteString(renderHelp())
	} else {
		for _, line := range ui.lines {
			content.WriteString(renderLine(line))
			content.WriteString("\n")
		}
	}

	ui.viewport.SetContent(content.String())
}

func renderLine(line ChatLine) string {
	timestamp := timestampStyle.Render(line.Timestamp)

	if line.IsError {
		return fmt.Sprintf("%s %s", timestamp, errorMessageStyle.Render(line.Body))
	}
	if line.IsSystem {
		return fmt.Sprintf("%s %s", timestamp, systemMessageStyle.Render(line.Body))
	}

	senderStyle := peerMessageStyle
	author := line.Author
	if line.IsOwn {
		senderStyle = userMessageStyle
		author = "You"
	}

	text := fmt.Sprintf("%s %s %s", timestamp, senderStyle.Render("["+author+"]"), line.Body)
	if line.Attachment != "" {
		text += " " + attachmentStyle.Render(line.Attachment)
	}
	return text
}

func renderHelp() string {
	return `
RELAY CHAT - HELP

COMMANDS:
  /attach <path> [caption]  Send an image (PNG, JPEG, GIF, WebP)
  /help                     Toggle this help screen
  /quit                     Leave the room

MESSAGING:
  Type and press Enter to send to everyone in the room.
  If nobody is hosting the room yet, this client hosts it.

KEYBOARD SHORTCUTS:
  Ctrl+H              Toggle this help screen
  Ctrl+C / Esc        Quit
  Enter               Send message

The right panel lists everyone currently in the room.
`
}

func (ui *UI) View() string {
	if !ui.ready {
		return "\n  Starting relay chat...\n"
	}

	header := headerStyle.Render(fmt.Sprintf("Relay Chat - %s", ui.room.Address()))

	messagePanel := messagePanelStyle.Width(ui.viewport.Width + 2).Height(ui.viewport.Height + 2).Render(
		fmt.Sprintf("Messages\n%s", ui.viewport.View()))

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, messagePanel, ui.renderPresencePanel())

	inputArea := inputStyle.Width(max(ui.width-4, 10)).Render(
		fmt.Sprintf("Input (Ctrl+H for help)\n%s", ui.textarea.View()))

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		mainContent,
		ui.renderStatusBar(),
		inputArea,
	)
}

func (ui *UI) renderPresencePanel() string {
	var content strings.Builder

	content.WriteString("In the room\n")
	content.WriteString(strings.Repeat("─", presencePanelSize-2) + "\n")

	if len(ui.presence) == 0 {
		content.WriteString("  Nobody here yet\n")
	}
	for i, name := range ui.presence {
		if i >= maxPresenceShown {
			content.WriteString(fmt.Sprintf("  ... and %d more\n", len(ui.presence)-maxPresenceShown))
			break
		}
		label := name
		if name == ui.name {
			label += " (you)"
		}
		content.WriteString(fmt.Sprintf("  %s %s\n", onlineStyle.Render("●"), label))
	}

	return presencePanelStyle.Width(presencePanelSize).Height(ui.viewport.Height + 2).Render(content.String())
}

func (ui *UI) renderStatusBar() string {
	left := fmt.Sprintf("Name: %s", ui.name)

	status := ui.status
	if !ui.ended && ui.room.Hosting() {
		status += " (hosting)"
	}
	right := fmt.Sprintf("Online: %d | %s | %s", len(ui.presence), status, ui.lastUpdate.Format("15:04:05"))

	totalWidth := ui.width - 4
	spacing := max(totalWidth-lipgloss.Width(left)-lipgloss.Width(right), 0)

	return statusBarStyle.Width(max(ui.width-4, 10)).Render(left + strings.Repeat(" ", spacing) + right)
}

func clock() string {
	return time.Now().Format("03:04 PM")
}

package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/hadron/pkg/robot"
	"github.com/gwillem/hadron/pkg/server"
	"github.com/gwillem/hadron/pkg/teleop"
)

type MonitorCommand struct {
	URL string `long:"url" default:"ws://localhost:8000/ws" description:"Robot websocket endpoint"`
}

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

var seriesColors = []string{"196", "46", "226", "51", "208", "201"}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	modeStyles  = map[teleop.Mode]lipgloss.Style{
		teleop.ModeActive:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		teleop.ModeDeadman: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		teleop.ModeEStop:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		teleop.ModeFault:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
	}
)

// series is one charted value: a motor speed or servo angle scaled to
// [-100, 100].
type series struct {
	name  string
	color string
	value func(server.Status) (float64, bool)
}

func monitorSeries(motors []robot.MotorSpec, servos []robot.ServoSpec) []series {
	var out []series
	for i, m := range motors {
		out = append(out, series{
			name: m.Name,
			value: func(s server.Status) (float64, bool) {
				if i >= len(s.MotorSpeeds) {
					return 0, false
				}
				return float64(s.MotorSpeeds[i]) / robot.FullScale * 100, true
			},
		})
	}
	for i, sv := range servos {
		span := sv.MaxDeg - sv.MinDeg
		out = append(out, series{
			name: sv.Name,
			value: func(s server.Status) (float64, bool) {
				if i >= len(s.ServoAngles) || span == 0 {
					return 0, false
				}
				return (s.ServoAngles[i]-sv.MinDeg)/span*200 - 100, true
			},
		})
	}
	for i := range out {
		out[i].color = seriesColors[i%len(seriesColors)]
	}
	return out
}

type monitorModel struct {
	url      string
	msgs     <-chan tea.Msg
	series   []series
	chart    *streamlinechart.Model
	status   server.Status
	width    int      // terminal width
	height   int      // terminal height
	logs     []string // last N log messages
	quitting bool
}

type statusMsg server.Status
type logMsg string
type closedMsg struct{ err error }

// readMessages decodes websocket messages onto a channel until the
// connection fails.
func readMessages(conn *websocket.Conn) <-chan tea.Msg {
	out := make(chan tea.Msg, 16)
	go func() {
		defer close(out)
		for {
			var msg struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				out <- closedMsg{err}
				return
			}
			switch msg.Type {
			case "status":
				var st server.Status
				if json.Unmarshal(msg.Data, &st) == nil {
					out <- statusMsg(st)
				}
			case "initial_state":
				var first struct {
					Session string        `json:"session"`
					Status  server.Status `json:"status"`
				}
				if json.Unmarshal(msg.Data, &first) == nil {
					out <- logMsg("connected, session " + first.Session)
					out <- statusMsg(first.Status)
				}
			case "error":
				out <- logMsg("error: " + string(msg.Data))
			}
		}
	}()
	return out
}

func waitForMsg(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return msg
	}
}

func (m *monitorModel) addLog(msg string) {
	m.logs = append(m.logs, time.Now().Format("15:04:05")+" "+msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *monitorModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20 // default size before we know terminal size
	}
	width = m.width - borderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - headerHeight - legendHeight - footerHeight - borderSize
	if height < 10 {
		height = 10
	}
	return width, height
}

func newMonitorModel(url string, msgs <-chan tea.Msg, ser []series) monitorModel {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(-100, 100),
	)
	for _, s := range ser {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(s.color))
		chart.SetDataSetStyles(s.name, runes.ThinLineStyle, style)
	}
	return monitorModel{
		url:    url,
		msgs:   msgs,
		series: ser,
		chart:  &chart,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return waitForMsg(m.msgs)
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		w, h := m.chartSize()
		m.chart.Resize(w, h)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case statusMsg:
		st := server.Status(msg)
		if st.Mode != m.status.Mode && m.status.Mode != "" {
			m.addLog(fmt.Sprintf("mode %s -> %s", m.status.Mode, st.Mode))
		}
		if st.Video != nil && st.Video.Degraded && (m.status.Video == nil || !m.status.Video.Degraded) {
			m.addLog("video degraded: " + st.Video.LastError)
		}
		m.status = st
		for _, s := range m.series {
			if v, ok := s.value(st); ok {
				m.chart.PushDataSet(s.name, v)
			}
		}
		m.chart.DrawAll()
		return m, waitForMsg(m.msgs)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForMsg(m.msgs)

	case closedMsg:
		if msg.err != nil {
			m.addLog("disconnected: " + msg.err.Error())
		}
		return m, nil
	}

	return m, nil
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Monitor stopped.\n"
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Hadron Monitor"))
	sb.WriteString(" " + m.url + "  ")
	mode := m.status.Mode
	if mode == "" {
		mode = "connecting"
	}
	style, ok := modeStyles[mode]
	if !ok {
		style = statusStyle
	}
	sb.WriteString(style.Render(string(mode)))
	if m.status.Contributor != "" {
		sb.WriteString(statusStyle.Render("  from " + m.status.Contributor))
	}
	sb.WriteString(statusStyle.Render(fmt.Sprintf("  sessions %d", m.status.Sessions)))
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	var items []string
	for _, s := range m.series {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(s.color)).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+s.name)
	}
	sb.WriteString(strings.Join(items, "  "))
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(m.width - 4).
		Foreground(lipgloss.Color("9"))

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("Press 'q' to quit")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

// watchURL subscribes to no input channels so the monitor never
// contributes commands.
func watchURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("channels", "none")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *MonitorCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	target, err := watchURL(c.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.URL, err)
	}
	defer conn.Close()

	model := newMonitorModel(c.URL, readMessages(conn), monitorSeries(cfg.Drive.Motors, cfg.Servos))
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run monitor: %w", err)
	}
	return nil
}

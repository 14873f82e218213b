package sim

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"fleetops-sim/internal/telemetry"
)

// teaProgram abstracts bubbletea.Program for testing.
type teaProgram interface {
	Send(tea.Msg)
}

// logMsg carries a log line for the viewport.
type logMsg struct{ line string }

type telemetryMsg struct{ telemetry.TelemetryRow }

type predictionMsg struct{ telemetry.PredictionRow }

// adminMsg reports whether the HTTP API is serving.
type adminMsg struct{ active bool }

const maxLogLines = 500

// TUIWriter renders the fleet using a bubbletea TUI: one table row per
// entity with its latest readings and prediction, and a scrolling log.
type TUIWriter struct {
	program    teaProgram
	done       chan struct{}
	sendSignal atomic.Bool
}

// NewTUIWriter starts a bubbletea program and returns a TUIWriter.
func NewTUIWriter(streamName string) *TUIWriter {
	w := &TUIWriter{done: make(chan struct{})}
	w.sendSignal.Store(true)
	p := tea.NewProgram(newTUIModel(streamName), tea.WithAltScreen())
	w.program = p
	go func() {
		_, _ = p.Run()
		close(w.done)
		// Quitting the UI stops the whole process unless Close was called.
		if w.sendSignal.Load() {
			if proc, err := os.FindProcess(os.Getpid()); err == nil {
				_ = proc.Signal(os.Interrupt)
			}
		}
	}()
	return w
}

// Write implements TelemetryWriter.
func (w *TUIWriter) Write(row telemetry.TelemetryRow) error {
	w.program.Send(telemetryMsg{row})
	if row.Status != telemetry.StatusOK {
		w.program.Send(logMsg{line: fmt.Sprintf("%s[%s]%s %s%s%s %sepoch=%d%s temp=%.2f pres=%.2f batt=%.3f %sstatus=%s%s",
			colorGray, row.Timestamp.Format(time.RFC3339), colorReset,
			colorWhite, row.EntityID, colorReset,
			colorBlue, row.Epoch, colorReset,
			row.EngineTemp, row.TransOilPressure, row.BatteryVoltage,
			statusColor(row.Status), row.Status, colorReset)})
	}
	return nil
}

// WriteBatch implements batch mode.
func (w *TUIWriter) WriteBatch(rows []telemetry.TelemetryRow) error {
	for _, r := range rows {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// WritePredictions updates the prediction columns and logs failures.
func (w *TUIWriter) WritePredictions(rows []telemetry.PredictionRow) error {
	for _, p := range rows {
		w.program.Send(predictionMsg{p})
		if p.PredictedFailureType != telemetry.LabelNormal {
			w.program.Send(logMsg{line: fmt.Sprintf("%sPREDICT%s %s %s ttf=%s model=%s",
				colorRed, colorReset, p.EntityID, p.PredictedFailureType, formatTTF(p.PredictedHoursToFailure), p.ModelUsed)})
		}
	}
	return nil
}

// SetAdminStatus toggles the API indicator.
func (w *TUIWriter) SetAdminStatus(active bool) {
	w.program.Send(adminMsg{active: active})
}

// Close stops the TUI program.
func (w *TUIWriter) Close() error {
	w.sendSignal.Store(false)
	if w.program != nil {
		w.program.Send(tea.Quit())
	}
	if w.done != nil {
		<-w.done
	}
	return nil
}

func formatTTF(ttf *float64) string {
	if ttf == nil {
		return "-"
	}
	return fmt.Sprintf("%.1fh", *ttf)
}

type fleetEntry struct {
	row        telemetry.TelemetryRow
	prediction *telemetry.PredictionRow
}

type tuiModel struct {
	stream     string
	table      table.Model
	vp         viewport.Model
	logs       []string
	entities   map[string]*fleetEntry
	lastEpoch  int64
	admin      bool
	wrap       bool
	autoscroll bool
	help       bool
	height     int
}

func fleetColumns() []table.Column {
	return []table.Column{
		{Title: "Entity", Width: 10},
		{Title: "Epoch", Width: 8},
		{Title: "Temp", Width: 8},
		{Title: "Pres", Width: 7},
		{Title: "Batt", Width: 7},
		{Title: "Status", Width: 9},
		{Title: "Prediction", Width: 22},
		{Title: "TTF", Width: 7},
	}
}

func newTUIModel(stream string) tuiModel {
	t := table.New(table.WithColumns(fleetColumns()), table.WithHeight(1))
	return tuiModel{
		stream:     stream,
		table:      t,
		vp:         viewport.New(0, 0),
		entities:   make(map[string]*fleetEntry),
		autoscroll: true,
	}
}

func (m tuiModel) Init() tea.Cmd { return nil }

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.table.SetWidth(msg.Width)
		m.vp.Width = msg.Width
		m.height = msg.Height
		m.updateViewportHeight()
		m.refreshViewport()
	case tea.KeyMsg:
		if m.help {
			switch msg.String() {
			case "?", "h", "esc":
				m.help = false
			case "q", "ctrl+c":
				return m, tea.Quit
			}
			return m, nil
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "w":
			m.wrap = !m.wrap
			m.refreshViewport()
		case "s":
			m.autoscroll = !m.autoscroll
			if m.autoscroll {
				m.vp.GotoBottom()
			}
		case "h", "?":
			m.help = true
		default:
			if !m.autoscroll {
				var cmd tea.Cmd
				m.vp, cmd = m.vp.Update(msg)
				return m, cmd
			}
		}
	case telemetryMsg:
		e := m.entry(msg.EntityID)
		e.row = msg.TelemetryRow
		if msg.Epoch > m.lastEpoch {
			m.lastEpoch = msg.Epoch
		}
		m.refreshTable()
	case predictionMsg:
		p := msg.PredictionRow
		m.entry(p.EntityID).prediction = &p
		m.refreshTable()
	case logMsg:
		m.logs = append(m.logs, msg.line)
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}
		m.refreshViewport()
	case adminMsg:
		m.admin = msg.active
	}
	return m, nil
}

func (m *tuiModel) entry(id string) *fleetEntry {
	e, ok := m.entities[id]
	if !ok {
		e = &fleetEntry{row: telemetry.TelemetryRow{EntityID: id}}
		m.entities[id] = e
	}
	return e
}

func (m *tuiModel) refreshTable() {
	ids := make([]string, 0, len(m.entities))
	for id := range m.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([]table.Row, 0, len(ids))
	for _, id := range ids {
		e := m.entities[id]
		label, ttf := "-", "-"
		if e.prediction != nil {
			label = e.prediction.PredictedFailureType
			ttf = formatTTF(e.prediction.PredictedHoursToFailure)
		}
		rows = append(rows, table.Row{
			id,
			fmt.Sprintf("%d", e.row.Epoch),
			fmt.Sprintf("%.1f", e.row.EngineTemp),
			fmt.Sprintf("%.1f", e.row.TransOilPressure),
			fmt.Sprintf("%.2f", e.row.BatteryVoltage),
			e.row.Status,
			label,
			ttf,
		})
	}
	m.table.SetRows(rows)
	m.table.SetHeight(len(rows) + 1)
	m.updateViewportHeight()
}

func (m *tuiModel) updateViewportHeight() {
	h := m.height - lipgloss.Height(m.table.View()) - lipgloss.Height(m.renderBottom()) - 3
	if h < 0 {
		h = 0
	}
	m.vp.Height = h
	if m.autoscroll {
		m.vp.GotoBottom()
	}
}

func (m *tuiModel) refreshViewport() {
	var lines []string
	for _, l := range m.logs {
		if m.wrap {
			lines = append(lines, wordwrap.String(l, m.vp.Width))
		} else {
			lines = append(lines, l)
		}
	}
	m.vp.SetContent(strings.Join(lines, "\n"))
	if m.autoscroll {
		m.vp.GotoBottom()
	}
}

func (m tuiModel) View() string {
	if m.help {
		return m.renderHelp()
	}
	divider := strings.Repeat("─", m.vp.Width)
	return strings.Join([]string{
		m.table.View(),
		divider,
		m.vp.View(),
		divider,
		m.renderBottom(),
	}, "\n")
}

func indicator(on bool) string {
	c := lipgloss.Color("9")
	if on {
		c = lipgloss.Color("10")
	}
	return lipgloss.NewStyle().Foreground(c).Render("●")
}

func (m tuiModel) renderBottom() string {
	failing := 0
	for _, e := range m.entities {
		if e.prediction != nil && e.prediction.PredictedFailureType != telemetry.LabelNormal {
			failing++
		}
	}
	state := fmt.Sprintf("%s%s%s %sepoch=%d%s %sentities=%d%s %spredicted_failures=%d%s",
		colorBlue, strings.ToUpper(m.stream), colorReset,
		colorYellow, m.lastEpoch, colorReset,
		colorGreen, len(m.entities), colorReset,
		colorRed, failing, colorReset)
	return fmt.Sprintf("%s | API %s | Wrap %s | Scroll %s | Help %s",
		state, indicator(m.admin), indicator(m.wrap), indicator(m.autoscroll), indicator(m.help))
}

func (m tuiModel) renderHelp() string {
	lines := []string{
		"Key Bindings:",
		" q  quit",
		" w  toggle wrap for the event log",
		" s  toggle auto-scroll",
		" h/? toggle this help view",
		"",
		"When auto-scroll is disabled:",
		" j/k or up/down    scroll one line",
		" pgdown/pgup       scroll a page",
	}
	return strings.Join(lines, "\n")
}

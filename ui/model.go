// Package ui implements the terminal visualizer of crossdeck play: the
// spectrum, tempo and key of the playing track plus transport keys.
package ui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"crossdeck/analysis"
	"crossdeck/engine"
)

// seekStep is how far the arrow keys seek.
const seekStep = 5 * time.Second

// Player is the part of the engine the visualizer controls.
type Player interface {
	Status() engine.Status
	Play()
	Pause()
	Skip()
	Seek(pos time.Duration) error
	SetVolume(v float64)
	SetSpectrumMode(m analysis.Mode)
}

type (
	tickMsg     time.Time
	spectrumMsg analysis.SpectrumFrame
	tempoMsg    analysis.TempoEstimate
	keyMsg      analysis.KeyEstimate
	trackMsg    engine.TrackEvent
	// DoneMsg ends the program once playback ran out of tracks.
	DoneMsg struct{}
)

// Model is the bubbletea model of the visualizer.
type Model struct {
	player Player
	status engine.Status
	bands  [analysis.NumBands]float64
	tempo  analysis.TempoEstimate
	key    analysis.Key
	err    error

	quitting bool
	width    int
}

// NewModel creates a Model driving p.
func NewModel(p Player) Model {
	return Model{
		player: p,
		status: p.Status(),
		key:    analysis.Silence,
	}
}

// Init starts the status refresh.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), tea.WindowSize())
}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles key presses, engine notifications and ticks.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		m.handleKey(msg)
		if m.quitting {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.status = m.player.Status()
		return m, tickCmd()
	case spectrumMsg:
		m.bands = msg.Bands
	case tempoMsg:
		m.tempo = analysis.TempoEstimate(msg)
	case keyMsg:
		m.key = msg.Key
	case trackMsg:
		if msg.Kind == engine.TrackFailed {
			m.err = msg.Err
		} else {
			m.err = nil
			m.tempo = analysis.TempoEstimate{}
			m.key = analysis.Silence
		}
	case DoneMsg:
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.quitting = true
	case " ":
		switch m.status.Session.State {
		case engine.Playing, engine.Crossfading:
			m.player.Pause()
		default:
			m.player.Play()
		}
	case "n":
		m.player.Skip()
	case "left":
		m.seek(-seekStep)
	case "right":
		m.seek(seekStep)
	case "+", "=":
		m.player.SetVolume(min(m.status.Volume+0.05, 1))
	case "-":
		m.player.SetVolume(max(m.status.Volume-0.05, 0))
	case "m":
		m.player.SetSpectrumMode((m.status.Spectrum + 1) % 3)
	}
	m.status = m.player.Status()
}

func (m *Model) seek(d time.Duration) {
	pos := max(m.status.Position+d, 0)
	if m.status.Duration > 0 {
		pos = min(pos, m.status.Duration)
	}
	m.err = m.player.Seek(pos)
}

// Bridge forwards engine notifications to a running program.
type Bridge struct {
	engine.NopObserver
	send func(tea.Msg)
}

// NewBridge creates an observer that sends to prog.
func NewBridge(prog *tea.Program) *Bridge {
	return &Bridge{send: prog.Send}
}

func (b *Bridge) Spectrum(f analysis.SpectrumFrame) { b.send(spectrumMsg(f)) }
func (b *Bridge) Tempo(e analysis.TempoEstimate)    { b.send(tempoMsg(e)) }
func (b *Bridge) Key(e analysis.KeyEstimate)        { b.send(keyMsg(e)) }
func (b *Bridge) TrackEvent(ev engine.TrackEvent)   { b.send(trackMsg(ev)) }

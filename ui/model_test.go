package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"crossdeck/analysis"
	"crossdeck/engine"
	"crossdeck/track"
)

type fakePlayer struct {
	status engine.Status
	calls  []string
	seekTo time.Duration
}

func (f *fakePlayer) Status() engine.Status { return f.status }
func (f *fakePlayer) Play()                 { f.calls = append(f.calls, "play") }
func (f *fakePlayer) Pause()                { f.calls = append(f.calls, "pause") }
func (f *fakePlayer) Skip()                 { f.calls = append(f.calls, "skip") }
func (f *fakePlayer) Seek(pos time.Duration) error {
	f.calls = append(f.calls, "seek")
	f.seekTo = pos
	return nil
}
func (f *fakePlayer) SetVolume(v float64) {
	f.calls = append(f.calls, "volume")
	f.status.Volume = v
}
func (f *fakePlayer) SetSpectrumMode(m analysis.Mode) {
	f.calls = append(f.calls, "mode")
	f.status.Spectrum = m
}

func key(s string) tea.KeyMsg {
	switch s {
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	case "left":
		return tea.KeyMsg{Type: tea.KeyLeft}
	case "right":
		return tea.KeyMsg{Type: tea.KeyRight}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func playingStatus() engine.Status {
	return engine.Status{
		Session:  engine.Session{Ref: track.Reference{ID: "a", URI: "/music/a.flac", Title: "Song A"}, State: engine.Playing},
		Position: 3 * time.Second,
		Duration: 4 * time.Minute,
		Volume:   0.5,
		Spectrum: analysis.Dynamic,
	}
}

func TestKeys(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{" ", "pause"},
		{"n", "skip"},
		{"right", "seek"},
		{"+", "volume"},
		{"m", "mode"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			p := &fakePlayer{status: playingStatus()}
			m := NewModel(p)
			m.Update(key(tt.key))
			if len(p.calls) != 1 || p.calls[0] != tt.want {
				t.Errorf("calls = %v, want [%s]", p.calls, tt.want)
			}
		})
	}
}

func TestSeekClampsAtStart(t *testing.T) {
	p := &fakePlayer{status: playingStatus()}
	m := NewModel(p)
	m.Update(key("left"))
	if p.seekTo != 0 {
		t.Errorf("seek to %v, want 0", p.seekTo)
	}
}

func TestModeCyclesBackToAccurate(t *testing.T) {
	p := &fakePlayer{status: playingStatus()}
	m := NewModel(p)
	m.Update(key("m"))
	if p.status.Spectrum != analysis.Accurate {
		t.Errorf("mode = %v, want accurate", p.status.Spectrum)
	}
}

func TestPausedSpaceResumes(t *testing.T) {
	st := playingStatus()
	st.Session.State = engine.Paused
	p := &fakePlayer{status: st}
	m := NewModel(p)
	m.Update(key(" "))
	if len(p.calls) != 1 || p.calls[0] != "play" {
		t.Errorf("calls = %v, want [play]", p.calls)
	}
}

func TestQuit(t *testing.T) {
	m := NewModel(&fakePlayer{})
	next, cmd := m.Update(key("q"))
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
	if v := next.View(); v != "" {
		t.Errorf("view after quit = %q", v)
	}
}

func TestViewShowsAnalysis(t *testing.T) {
	m := NewModel(&fakePlayer{status: playingStatus()})
	var frame analysis.SpectrumFrame
	frame.Bands[10] = 1

	var next tea.Model = m
	next, _ = next.Update(spectrumMsg(frame))
	next, _ = next.Update(tempoMsg(analysis.TempoEstimate{BPM: 128, Confidence: 0.8}))
	next, _ = next.Update(keyMsg(analysis.KeyEstimate{Key: analysis.AMajor, Confidence: 0.5}))
	next, _ = next.Update(trackMsg(engine.TrackEvent{Kind: engine.TrackFailed, Err: errors.New("decode failed")}))

	view := next.View()
	for _, want := range []string{"Song A", "00:03 / 04:00", "128 BPM", "A major", "decode failed", "█"} {
		if !strings.Contains(view, want) {
			t.Errorf("view does not contain %q:\n%s", want, view)
		}
	}
}

package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"crossdeck/analysis"
	"crossdeck/engine"
	"crossdeck/transition"
)

var barBlocks = []string{" ", "▁", "▂", "▃", "▄", "▅", "▆", "▇", "█"}

// View renders the whole frame.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	sections := []string{
		titleStyle.Render("CROSSDECK"),
		m.renderTrack(),
		m.renderTime(),
		"",
		renderSpectrum(m.bands),
		"",
		m.renderAnalysis(),
		m.renderSettings(),
	}
	if m.err != nil {
		sections = append(sections, errorStyle.Render(m.err.Error()))
	}
	sections = append(sections, "", dimStyle.Render("space pause · n next · ←/→ seek · +/- volume · m mode · q quit"))
	return frameStyle.Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

func (m Model) renderTrack() string {
	ref := m.status.Session.Ref
	if ref.IsZero() {
		return dimStyle.Render("nothing playing")
	}
	return trackStyle.Render(ref.String()) + dimStyle.Render(" ("+ref.Kind.String()+")")
}

func (m Model) renderTime() string {
	st := m.status
	state := st.Session.State.String()
	if st.Session.State == engine.Crossfading || st.Transition == transition.GaplessArmed {
		state += " · " + st.Transition.String()
	}
	return textStyle.Render(fmt.Sprintf("%s / %s", clock(st.Position), clock(st.Duration))) +
		"  " + dimStyle.Render(state)
}

func (m Model) renderAnalysis() string {
	tempo := "--- BPM"
	if m.tempo.Usable() {
		tempo = fmt.Sprintf("%.0f BPM", m.tempo.BPM)
	}
	return textStyle.Render(tempo) + "  " + textStyle.Render(m.key.String())
}

func (m Model) renderSettings() string {
	st := m.status
	return dimStyle.Render(fmt.Sprintf("vol %3.0f%%  mode %s  queue %d  device %s",
		st.Volume*100, st.Spectrum, st.Queued, st.Device))
}

// renderSpectrum draws one column per band.
func renderSpectrum(bands [analysis.NumBands]float64) string {
	var sb strings.Builder
	for _, level := range bands {
		idx := int(level * float64(len(barBlocks)-1))
		idx = max(0, min(idx, len(barBlocks)-1))

		style := specLowStyle
		switch {
		case level > 0.75:
			style = specHighStyle
		case level > 0.45:
			style = specMidStyle
		}
		sb.WriteString(style.Render(barBlocks[idx]))
	}
	return sb.String()
}

func clock(d time.Duration) string {
	if d <= 0 {
		return "--:--"
	}
	s := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}

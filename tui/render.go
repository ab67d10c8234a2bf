package tui

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/cwsl/mixerpanel/levels"
	"github.com/cwsl/mixerpanel/panel"
)

var (
	// Nord palette
	nord0  = lipgloss.Color("#2E3440")
	nord3  = lipgloss.Color("#4C566A")
	nord4  = lipgloss.Color("#D8DEE9")
	nord8  = lipgloss.Color("#88C0D0")
	nord9  = lipgloss.Color("#81A1C1")
	nord10 = lipgloss.Color("#5E81AC")
	nord11 = lipgloss.Color("#BF616A")
	nord13 = lipgloss.Color("#EBCB8B")
	nord14 = lipgloss.Color("#A3BE8C")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(nord8)
	sectionStyle = lipgloss.NewStyle().MarginTop(1).Foreground(nord9)
	labelStyle   = lipgloss.NewStyle().Width(labelWidth).Foreground(nord4)
	sliderStyle  = lipgloss.NewStyle().Foreground(nord10)
	warnStyle    = lipgloss.NewStyle().Padding(0, 1).Foreground(nord0).Background(nord11)
	helpStyle    = lipgloss.NewStyle().Faint(true)
)

const (
	labelWidth  = 10
	minBarWidth = 10
	maxBarWidth = 30
)

func zoneColor(z panel.Zone) lipgloss.Color {
	switch z {
	case panel.ZonePoor:
		return nord11
	case panel.ZoneSuboptimal:
		return nord13
	default:
		return nord14
	}
}

func stateColor(s levels.ConnectionState) lipgloss.Color {
	switch s {
	case levels.Live:
		return nord14
	case levels.Stale:
		return nord11
	case levels.Connecting:
		return nord13
	default:
		return nord3
	}
}

// bar draws ratio as a fixed-width gauge.
func bar(ratio float64, width int) string {
	r := math.Max(0, math.Min(1, ratio))
	filled := int(math.Round(r * float64(width)))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// barWidth splits the terminal width between the slider and the meter.
func barWidth(termWidth int) int {
	w := (termWidth - labelWidth - 24) / 2
	if w < minBarWidth {
		return minBarWidth
	}
	if w > maxBarWidth {
		return maxBarWidth
	}
	return w
}

func renderStrip(s panel.Strip, width int) string {
	slider := s.Volume
	ratio := 0.0
	if slider.Max > slider.Min {
		ratio = (slider.Value - slider.Min) / (slider.Max - slider.Min)
	}
	vol := sliderStyle.Render(fmt.Sprintf("[%s] %3.1f", bar(ratio, width), slider.Value))

	meterStyle := lipgloss.NewStyle().Foreground(zoneColor(s.Meter.Zone()))
	meter := meterStyle.Render(fmt.Sprintf("[%s] %6.1f dB", bar(s.Meter.Ratio(), width), s.Meter.Value))

	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(s.Label), vol, "  ", meter)
}

func renderRoutes(routes []panel.Route) string {
	cells := make([]string, 0, len(routes))
	for _, r := range routes {
		box := "[ ]"
		style := lipgloss.NewStyle().Foreground(nord3)
		if r.Enabled {
			box = "[x]"
			style = lipgloss.NewStyle().Foreground(nord14)
		}
		cells = append(cells, style.Render(box+" "+r.Label))
	}
	return strings.Join(cells, "  ")
}

func render(title string, v panel.View, state levels.ConnectionState, termWidth int) string {
	w := barWidth(termWidth)
	b := &strings.Builder{}

	fmt.Fprintln(b, titleStyle.Render(title))

	if len(v.Errors) > 0 {
		fmt.Fprintln(b)
		for _, e := range v.Errors {
			fmt.Fprintln(b, warnStyle.Render(e.Text))
		}
	}

	fmt.Fprintln(b, sectionStyle.Render("Inputs"))
	for _, s := range v.Inputs {
		fmt.Fprintln(b, renderStrip(s, w))
		if len(s.Routes) > 0 {
			fmt.Fprintln(b, strings.Repeat(" ", labelWidth)+renderRoutes(s.Routes))
		}
	}

	fmt.Fprintln(b, sectionStyle.Render("Outputs"))
	for _, s := range v.Outputs {
		fmt.Fprintln(b, renderStrip(s, w))
	}

	fmt.Fprintln(b)
	status := lipgloss.NewStyle().Foreground(stateColor(state)).Render("● " + state.String())
	fmt.Fprintln(b, status+"  "+helpStyle.Render("q quit"))
	return b.String()
}

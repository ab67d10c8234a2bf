package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/cwsl/mixerpanel/channels"
	"github.com/cwsl/mixerpanel/snapshot"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
	alignCenter
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range r {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) {
			switch aligns[i] {
			case alignRight:
				align = text.AlignRight
			case alignCenter:
				align = text.AlignCenter
			}
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

func formatMultiplier(m map[string]float64, id string) string {
	v, ok := m[id]
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.2f", v)
}

// renderChannels lists every channel the mixer reports and whether the panel
// shows it.
func renderChannels(reg *channels.Registry, snap *snapshot.Snapshot) string {
	rows := make([][]string, 0, len(snap.Info.Inputs)+len(snap.Info.Outputs))
	add := func(role channels.Role, ids []string, mult map[string]float64) {
		for _, id := range ids {
			shown := "no"
			label := ""
			if reg.IsVisible(role, id) {
				shown = "yes"
				label = reg.Label(role, id)
			}
			rows = append(rows, []string{string(role), id, label, formatMultiplier(mult, id), shown})
		}
	}
	add(channels.Input, snap.Info.Inputs, snap.Multipliers.Input)
	add(channels.Output, snap.Info.Outputs, snap.Multipliers.Output)

	return renderTable(
		[]string{"Role", "Channel", "Label", "Volume", "Shown"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignCenter},
	)
}

// renderMuteMatrix shows routing between the visible inputs and outputs.
func renderMuteMatrix(reg *channels.Registry, snap *snapshot.Snapshot) string {
	outputs := reg.Channels(channels.Output)
	inputs := reg.Channels(channels.Input)
	if len(outputs) == 0 || len(inputs) == 0 {
		return ""
	}

	headers := make([]string, 0, len(outputs)+1)
	aligns := make([]columnAlignment, 0, len(outputs)+1)
	headers = append(headers, "Input")
	aligns = append(aligns, alignLeft)
	for _, out := range outputs {
		headers = append(headers, reg.Label(channels.Output, out))
		aligns = append(aligns, alignCenter)
	}

	rows := make([][]string, 0, len(inputs))
	for _, in := range inputs {
		row := []string{reg.Label(channels.Input, in)}
		for _, out := range outputs {
			cell := "on"
			if snap.Mutes.Muted(in, out) {
				cell = "muted"
			}
			row = append(row, cell)
		}
		rows = append(rows, row)
	}

	return renderTable(headers, rows, aligns)
}

package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/MJE43/dystrail-tester/internal/playability"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(12)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
)

func outcomeStyle(o string) lipgloss.Style {
	switch playability.Outcome(o) {
	case playability.OutcomeCompleted:
		return okStyle
	case playability.OutcomeFailed, playability.OutcomeCrashed:
		return failStyle
	case playability.OutcomeDivergence:
		return warnStyle
	default:
		return mutedStyle
	}
}

// Text writes the operator summary.
func Text(w io.Writer, r *playability.Report) error {
	v := NewView(r)
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("Playability report: %s (%s, %s)", v.Scenario, v.Mode, v.Browser)))
	b.WriteString("\n")
	line := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}
	line("run", v.ID)
	line("total", strconv.Itoa(v.Total))
	failed := strconv.Itoa(v.Failed)
	if v.Failed > 0 {
		failed = failStyle.Render(failed)
	}
	line("failed", failed)
	anomalous := strconv.Itoa(v.Anomalous)
	if v.Anomalous > 0 {
		anomalous = warnStyle.Render(anomalous)
	}
	line("anomalous", anomalous)

	var counts []string
	for _, o := range playability.Outcomes {
		if n := v.Outcomes[string(o)]; n > 0 {
			counts = append(counts, outcomeStyle(string(o)).Render(fmt.Sprintf("%s=%d", o, n)))
		}
	}
	line("outcomes", strings.Join(counts, " "))

	if m := v.Metric; m != nil {
		line("metric", fmt.Sprintf("n=%d mean=%s sd=%s min=%s p10=%s p50=%s p90=%s max=%s",
			m.Count, num(m.Mean), num(m.StdDev), num(m.Min), num(m.P10), num(m.P50), num(m.P90), num(m.Max)))
	} else {
		line("metric", mutedStyle.Render("no samples"))
	}
	if bv := v.Band; bv != nil {
		line("band", fmt.Sprintf("%s [%s, %s]", bv.Source, bound(bv.Low, "-inf"), bound(bv.High, "+inf")))
	}

	if len(v.Flagged) > 0 {
		b.WriteString("\n" + titleStyle.Render("Flagged seeds") + "\n")
		b.WriteString(flagTable(v.Flagged) + "\n")
	}
	if len(v.Failures) > 0 {
		b.WriteString("\n" + titleStyle.Render("Failed seeds") + "\n")
		b.WriteString(flagTable(v.Failures) + "\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func flagTable(rows []FlagView) string {
	data := make([][]string, 0, len(rows))
	for _, f := range rows {
		metric := "-"
		if f.Metric != nil {
			metric = num(*f.Metric)
		}
		dir := f.ArtifactDir
		if dir == "" {
			dir = "-"
		}
		data = append(data, []string{strconv.FormatInt(f.Seed, 10), f.Outcome, metric, firstLine(f.Reason), dir})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		BorderHeader(true).
		BorderRow(false).
		Headers("Seed", "Outcome", "Metric", "Reason", "Artifacts").
		Rows(data...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return titleStyle
			}
			if col == 1 && row >= 0 && row < len(data) {
				return outcomeStyle(data[row][1])
			}
			return lipgloss.NewStyle()
		}).
		Render()
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

func bound(v *float64, open string) string {
	if v == nil {
		return open
	}
	return num(*v)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

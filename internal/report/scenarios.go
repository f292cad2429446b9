package report

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/MJE43/dystrail-tester/internal/scenario"
)

// Scenarios writes the registered scenarios with their capabilities.
func Scenarios(w io.Writer, list []*scenario.Scenario) error {
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		metric := s.Metric
		if metric == "" {
			metric = "-"
		}
		rows = append(rows, []string{s.Name, string(s.Kind()), yesNo(s.CanRunLogic()), yesNo(s.CanRunBrowser()), metric, s.Description})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		BorderHeader(true).
		BorderRow(false).
		Headers("Scenario", "Kind", "Logic", "Browser", "Metric", "Description").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return titleStyle
			}
			return lipgloss.NewStyle()
		})
	_, err := io.WriteString(w, t.Render()+"\n")
	return err
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

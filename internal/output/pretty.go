package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jaxxstorm/echoprobe/internal/model"
)

func RenderPretty(result model.BatchResult) string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render("echoprobe")
	recordStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	successStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	warnStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	failureStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))

	lines := []string{title}
	for _, res := range result.Results {
		s := res.Summary
		target := s.Address
		if s.Target != "" && s.Target != s.Address {
			target = fmt.Sprintf("%s (%s)", s.Target, s.Address)
		}
		lines = append(lines, "", fmt.Sprintf("%s %s id=%d", target, s.Family, s.Identifier))

		for _, r := range res.Records {
			label := failureStyle.Render(strings.ToUpper(r.Result.String()))
			line := fmt.Sprintf("seq=%d", r.Sequence)
			switch r.Result {
			case model.ResultSuccess:
				label = successStyle.Render("OK")
				line += " time=" + formatLatency(r.Latency)
			case model.ResultPending, model.ResultTimeout:
				label = warnStyle.Render(strings.ToUpper(r.Result.String()))
			}
			if r.Error != "" {
				line += " error: " + r.Error
			}
			lines = append(lines, label+" "+recordStyle.Render(line))
		}

		stats := fmt.Sprintf("%s %d sent, %d received, %.1f%% loss", s.Classification, s.Sent, s.Received, s.Loss*100)
		if s.Received > 0 {
			stats += fmt.Sprintf(", rtt min/avg/max/stddev = %s/%s/%s/%s",
				formatLatency(s.Min), formatLatency(s.Avg), formatLatency(s.Max), formatLatency(s.StdDev))
		}
		switch s.Classification {
		case "REACHABLE":
			lines = append(lines, successStyle.Render(stats))
		case "PARTIAL_LOSS":
			lines = append(lines, warnStyle.Render(stats))
		default:
			lines = append(lines, failureStyle.Render(stats))
		}
		if len(s.Hints) > 0 {
			lines = append(lines, "Hints:")
			for _, hint := range s.Hints {
				lines = append(lines, "- "+hint)
			}
		}
	}

	return strings.Join(lines, "\n")
}

func formatLatency(d time.Duration) string {
	return fmt.Sprintf("%.3fms", float64(d)/float64(time.Millisecond))
}

package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/openfroyo/rulecheck/pkg/engine"
	"github.com/openfroyo/rulecheck/pkg/stores"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4D96FF"))
	passStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	summaryStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// progressObserver draws a progress bar for a run. It implements engine.Observer.
type progressObserver struct {
	mu    sync.Mutex
	w     io.Writer
	bar   progress.Model
	batch string
}

func newProgressObserver(w io.Writer) *progressObserver {
	return &progressObserver{
		w:   w,
		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

// BatchStarted implements engine.Observer.
func (p *progressObserver) BatchStarted(batch engine.BatchDefinition, _ int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batch = batch.Name
}

// RuleCompleted implements engine.Observer.
func (p *progressObserver) RuleCompleted(_ engine.ValidationResult, completed, total int) {
	if total == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "\r%s %d/%d %s", p.bar.ViewAs(float64(completed)/float64(total)),
		completed, total, mutedStyle.Render(p.batch))
	if completed == total {
		fmt.Fprintln(p.w)
	}
}

// BatchCompleted implements engine.Observer.
func (p *progressObserver) BatchCompleted(engine.BatchExecutionStats) {}

// renderReport writes a human-readable report: failed rules ordered by
// severity, then a summary box.
func renderReport(w io.Writer, report *engine.ValidationReport) {
	failed := make([]engine.ValidationResult, 0, report.FailedCount)
	for _, r := range report.Results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	sort.SliceStable(failed, func(i, j int) bool {
		if failed[i].Severity.Rank() != failed[j].Severity.Rank() {
			return failed[i].Severity.Rank() > failed[j].Severity.Rank()
		}
		return failed[i].RuleID < failed[j].RuleID
	})

	if len(failed) > 0 {
		fmt.Fprintln(w, titleStyle.Render("Failed rules"))
		for _, r := range failed {
			fmt.Fprintf(w, "  %s %s %s\n",
				severityStyle(r.Severity).Render(fmt.Sprintf("%-8s", r.Severity)),
				r.RuleID,
				detailStyle.Render(r.Message))
		}
		fmt.Fprintln(w)
	}

	status := passStyle.Render("PASSED")
	if report.FailedCount > 0 {
		status = failStyle.Render("FAILED")
	}
	if report.Summary.Incomplete {
		status = warnStyle.Render("INCOMPLETE")
	}

	lines := []string{
		fmt.Sprintf("%s  %s", titleStyle.Render("rulecheck"), status),
		fmt.Sprintf("mode        %s", report.Mode),
		fmt.Sprintf("rules       %d passed, %d failed of %d", report.PassedCount, report.FailedCount, report.TotalRules),
		fmt.Sprintf("batches     %d/%d", report.Summary.CompletedBatches, report.Summary.BatchCount),
		fmt.Sprintf("duration    %s", report.Summary.Duration.Round(time.Millisecond)),
		fmt.Sprintf("utilization %.0f%%, %d steals", report.Summary.AvgUtilization*100, report.Summary.TotalSteals),
		fmt.Sprintf("cache       %d hits, %d misses", report.Summary.CacheHits, report.Summary.CacheMisses),
	}
	if report.Summary.ExecutionErrors > 0 {
		lines = append(lines, warnStyle.Render(fmt.Sprintf("errors      %d rule(s) failed to execute", report.Summary.ExecutionErrors)))
	}
	if report.Summary.SlowestRule != "" {
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("slowest     %s (%s)",
			report.Summary.SlowestRule, report.Summary.SlowestRuleTimeNs.Round(time.Microsecond))))
	}
	fmt.Fprintln(w, summaryStyle.Render(strings.Join(lines, "\n")))
}

func severityStyle(s engine.Severity) lipgloss.Style {
	switch s {
	case engine.SeverityCritical, engine.SeverityHigh:
		return failStyle
	case engine.SeverityMedium:
		return warnStyle
	default:
		return mutedStyle
	}
}

// renderBenchmark writes the three benchmark modes side by side.
func renderBenchmark(w io.Writer, cmp *engine.BenchmarkComparison) {
	fmt.Fprintln(w, titleStyle.Render("Benchmark"))
	fmt.Fprintf(w, "  %-14s %12s %12s %8s %10s\n", "mode", "total", "utilization", "steals", "pred. err")
	for _, r := range cmp.Reports() {
		fmt.Fprintf(w, "  %-14s %12s %11.0f%% %8d %10.3f\n",
			r.Mode, r.TotalTime.Round(time.Microsecond), r.AvgWorkerUtilization*100, r.TotalSteals, r.AvgPredictionError)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  cold speedup %s   warm speedup %s\n",
		speedupStyle(cmp.ColdSpeedup).Render(fmt.Sprintf("%.2fx", cmp.ColdSpeedup)),
		speedupStyle(cmp.WarmSpeedup).Render(fmt.Sprintf("%.2fx", cmp.WarmSpeedup)))
}

func speedupStyle(v float64) lipgloss.Style {
	if v >= 1 {
		return passStyle
	}
	return warnStyle
}

// renderProfiles writes the stored execution history.
func renderProfiles(w io.Writer, profiles []stores.ProfileSummary) {
	if len(profiles) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no execution history"))
		return
	}
	fmt.Fprintln(w, titleStyle.Render("Execution profiles"))
	fmt.Fprintf(w, "  %-40s %8s %10s %10s %10s\n", "rule", "samples", "mean", "min", "max")
	for _, p := range profiles {
		fmt.Fprintf(w, "  %-40s %8d %10s %10s %10s\n", p.RuleID, p.Samples,
			seconds(p.MeanSeconds), seconds(p.MinSeconds), seconds(p.MaxSeconds))
	}
}

func seconds(s float64) string {
	return time.Duration(s * float64(time.Second)).Round(time.Microsecond).String()
}

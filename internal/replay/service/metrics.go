package service

import (
	"fmt"
	"sort"
	"time"

	evalmodels "keel/internal/evaluation/models"
	"keel/internal/replay/models"
	id "keel/pkg/domain"
)

// Calculate scores one replay run: per-policy rates, a severity
// histogram, and budget compliance. Every budget yields a report even
// when clean; breaches are never dropped from the output.
func Calculate(result *models.Result, budgets []models.Budget) *models.Metrics {
	metrics := &models.Metrics{
		Namespace:         result.Namespace,
		SeverityHistogram: make(map[id.Severity]int),
	}

	perPolicy := make(map[id.PolicyID]*models.PolicyStats)
	for _, entry := range result.Evaluations {
		stats, ok := perPolicy[entry.PolicyID]
		if !ok {
			stats = &models.PolicyStats{PolicyID: entry.PolicyID}
			perPolicy[entry.PolicyID] = stats
		}
		switch entry.Evaluation.Result {
		case evalmodels.ResultPass:
			stats.Counts.Pass++
		case evalmodels.ResultFail:
			stats.Counts.Fail++
		case evalmodels.ResultInconclusive:
			stats.Counts.Inconclusive++
		}
	}
	for _, stats := range perPolicy {
		if total := stats.Counts.Total(); total > 0 {
			stats.PassRate = float64(stats.Counts.Pass) / float64(total)
			stats.FailRate = float64(stats.Counts.Fail) / float64(total)
		}
		metrics.PerPolicy = append(metrics.PerPolicy, *stats)
	}
	sort.Slice(metrics.PerPolicy, func(i, j int) bool {
		return metrics.PerPolicy[i].PolicyID.String() < metrics.PerPolicy[j].PolicyID.String()
	})

	for _, exception := range result.Exceptions {
		metrics.SeverityHistogram[exception.Severity]++
	}

	for _, budget := range budgets {
		metrics.Budgets = append(metrics.Budgets, checkBudget(result, budget))
	}
	return metrics
}

// checkBudget buckets the run's matching exceptions into budget windows
// and reports the worst one.
func checkBudget(result *models.Result, budget models.Budget) models.BudgetReport {
	counts := make(map[string]int)
	for _, exception := range result.Exceptions {
		if budget.PolicyID != "" && exception.PolicyID.String() != budget.PolicyID {
			continue
		}
		if budget.Severity != "" && exception.Severity != budget.Severity {
			continue
		}
		counts[windowKey(exception.RaisedAt, budget.Window)]++
	}

	report := models.BudgetReport{Budget: budget, Status: models.BudgetOK}
	for window, count := range counts {
		if count > report.WorstCount || (count == report.WorstCount && window < report.WorstWindow) {
			report.WorstCount = count
			report.WorstWindow = window
		}
	}
	switch {
	case report.WorstCount > budget.MaxExceptions:
		report.Status = models.BudgetBreach
	case budget.WarningThreshold > 0 && report.WorstCount >= budget.WarningThreshold:
		report.Status = models.BudgetWarning
	}
	return report
}

func windowKey(at time.Time, window models.BudgetWindow) string {
	at = at.UTC()
	if window == models.WindowWeek {
		year, week := at.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	}
	return at.Format("2006-01-02")
}

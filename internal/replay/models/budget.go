package models

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
)

// BudgetWindow is the bucketing period a budget counts exceptions over.
type BudgetWindow string

const (
	WindowDay  BudgetWindow = "day"
	WindowWeek BudgetWindow = "week"
)

// Budget caps how many exceptions a policy or severity may raise per
// window. A zero PolicyID or Severity leaves that dimension unfiltered.
type Budget struct {
	Name             string       `yaml:"name" json:"name"`
	PolicyID         string       `yaml:"policy_id,omitempty" json:"policy_id,omitempty"`
	Severity         id.Severity  `yaml:"severity,omitempty" json:"severity,omitempty"`
	Window           BudgetWindow `yaml:"window" json:"window"`
	MaxExceptions    int          `yaml:"max_exceptions" json:"max_exceptions"`
	WarningThreshold int          `yaml:"warning_threshold" json:"warning_threshold"`
}

func (b Budget) Validate() error {
	if b.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "budget name is required")
	}
	if b.Window != WindowDay && b.Window != WindowWeek {
		return dErrors.Newf(dErrors.CodeValidation, "budget %q has unknown window %q", b.Name, b.Window)
	}
	if b.MaxExceptions <= 0 {
		return dErrors.Newf(dErrors.CodeValidation, "budget %q needs a positive max_exceptions", b.Name)
	}
	if b.WarningThreshold < 0 || b.WarningThreshold > b.MaxExceptions {
		return dErrors.Newf(dErrors.CodeValidation, "budget %q warning_threshold must lie within [0, max_exceptions]", b.Name)
	}
	if b.Severity != "" && !b.Severity.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "budget %q has invalid severity %q", b.Name, b.Severity)
	}
	return nil
}

type budgetFile struct {
	Budgets []Budget `yaml:"budgets"`
}

// LoadBudgets reads a budget list from a YAML file.
func LoadBudgets(path string) ([]Budget, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open budget file: %w", err)
	}
	defer f.Close()
	return ReadBudgets(f)
}

// ReadBudgets decodes and validates a budget list.
func ReadBudgets(r io.Reader) ([]Budget, error) {
	var file budgetFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "malformed budget file")
	}
	for _, budget := range file.Budgets {
		if err := budget.Validate(); err != nil {
			return nil, err
		}
	}
	return file.Budgets, nil
}

// BudgetStatus is the compliance verdict for one budget.
type BudgetStatus string

const (
	BudgetOK      BudgetStatus = "ok"
	BudgetWarning BudgetStatus = "warning"
	BudgetBreach  BudgetStatus = "breach"
)

// BudgetReport is one budget checked against a run, with the worst
// window's count.
type BudgetReport struct {
	Budget      Budget       `json:"budget"`
	WorstWindow string       `json:"worst_window,omitempty"`
	WorstCount  int          `json:"worst_count"`
	Status      BudgetStatus `json:"status"`
}

// PolicyStats are per-policy result rates.
type PolicyStats struct {
	PolicyID id.PolicyID `json:"policy_id"`
	Counts   Counts      `json:"counts"`
	PassRate float64     `json:"pass_rate"`
	FailRate float64     `json:"fail_rate"`
}

// Metrics is the calculated view over one replay run.
type Metrics struct {
	Namespace         id.Namespace        `json:"namespace"`
	PerPolicy         []PolicyStats       `json:"per_policy"`
	SeverityHistogram map[id.Severity]int `json:"severity_histogram"`
	Budgets           []BudgetReport      `json:"budgets"`
}

// Breaches lists the reports whose status is breach.
func (m *Metrics) Breaches() []BudgetReport {
	var out []BudgetReport
	for _, report := range m.Budgets {
		if report.Status == BudgetBreach {
			out = append(out, report)
		}
	}
	return out
}

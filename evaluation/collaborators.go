// Package evaluation declares the collaborator interfaces the engine drives
// workflows through. The real validator, quality-rule library and metric
// evaluator live outside this repository; the engine only sees their
// results and turns them into state transitions.
package evaluation

import (
	"context"

	"github.com/caliperml/caliper/domain"
)

// ConfigValidator checks an uploaded configuration blob. A nil error means
// the config is usable; a Permanent error means the config itself is bad
// and the use case moves to CONFIG_INVALID.
type ConfigValidator interface {
	Validate(ctx context.Context, config []byte) error
}

// QualityChecker runs the data-quality rule library against a dataset under
// a field configuration and reports the issues found.
type QualityChecker interface {
	Run(ctx context.Context, dataset, fieldConfig []byte) ([]domain.QualityIssue, error)
}

// Evaluator computes the metric summary for a dataset under a config.
type Evaluator interface {
	Evaluate(ctx context.Context, dataset, config []byte) (domain.MetricsSummary, error)
}

// MockConfigValidator is a test double for ConfigValidator.
type MockConfigValidator struct {
	Err    error
	Called int
	Last   []byte
}

func (m *MockConfigValidator) Validate(ctx context.Context, config []byte) error {
	m.Called++
	m.Last = config
	return m.Err
}

// MockQualityChecker is a test double for QualityChecker.
type MockQualityChecker struct {
	Issues []domain.QualityIssue
	Err    error
	Called int
}

func (m *MockQualityChecker) Run(ctx context.Context, dataset, fieldConfig []byte) ([]domain.QualityIssue, error) {
	m.Called++
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Issues, nil
}

// MockEvaluator is a test double for Evaluator.
type MockEvaluator struct {
	Summary domain.MetricsSummary
	Err     error
	Called  int
}

func (m *MockEvaluator) Evaluate(ctx context.Context, dataset, config []byte) (domain.MetricsSummary, error) {
	m.Called++
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Summary == nil {
		return domain.MetricsSummary{}, nil
	}
	return m.Summary, nil
}

package domain

import (
	"net/mail"
	"strings"
	"time"
)

// UseCase is one evaluation campaign submitted by a team. It owns zero or
// more model evaluations and its own state history.
type UseCase struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	TeamEmail         string                 `json:"team_email"`
	State             State                  `json:"state"`
	ConfigFileKey     string                 `json:"config_file_key,omitempty"`
	DatasetFileKey    string                 `json:"dataset_file_key,omitempty"`
	QualityIssues     []QualityIssue         `json:"quality_issues,omitempty"`
	EvaluationResults map[string]interface{} `json:"evaluation_results,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`

	// Version is the optimistic concurrency counter maintained by the
	// repository. Callers never set it.
	Version int64 `json:"version"`
}

// Validate checks the caller-supplied fields of a new use case.
func (u *UseCase) Validate() error {
	if strings.TrimSpace(u.Name) == "" {
		return Validationf("use case name is required")
	}
	if _, err := mail.ParseAddress(u.TeamEmail); err != nil {
		return Validationf("invalid team email %q", u.TeamEmail)
	}
	return nil
}

// ModelEvaluation is one candidate model attached to a use case.
type ModelEvaluation struct {
	ID                 string                 `json:"id"`
	UseCaseID          string                 `json:"use_case_id"`
	ModelName          string                 `json:"model_name"`
	ModelVersion       string                 `json:"model_version"`
	CurrentState       State                  `json:"current_state"`
	DatasetFileKey     string                 `json:"dataset_file_key,omitempty"`
	PredictionsFileKey string                 `json:"predictions_file_key,omitempty"`
	QualityIssues      []QualityIssue         `json:"quality_issues,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	Version            int64                  `json:"version"`
}

// Validate checks the caller-supplied fields of a new model evaluation.
func (m *ModelEvaluation) Validate() error {
	if strings.TrimSpace(m.ModelName) == "" {
		return Validationf("model name is required")
	}
	if strings.TrimSpace(m.UseCaseID) == "" {
		return Validationf("use case id is required")
	}
	return nil
}

// Severity grades a quality issue.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// QualityIssue is one finding produced by the quality-check collaborator.
type QualityIssue struct {
	RowNumber  int      `json:"row_number"`
	FieldName  string   `json:"field_name"`
	Value      string   `json:"value,omitempty"`
	IssueType  string   `json:"issue_type"`
	Message    string   `json:"message"`
	Severity   Severity `json:"severity"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// Blocking reports whether the issue prevents progression past the quality
// check.
func (q QualityIssue) Blocking() bool { return q.Severity == SeverityError }

// CountBlocking returns the number of blocking issues in a list.
func CountBlocking(issues []QualityIssue) int {
	n := 0
	for _, issue := range issues {
		if issue.Blocking() {
			n++
		}
	}
	return n
}

// TransitionRecord is one persisted history row of an aggregate.
type TransitionRecord struct {
	ID            int64           `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateKind AggregateKind   `json:"aggregate_kind"`
	FromState     State           `json:"from_state"`
	ToState       State           `json:"to_state"`
	Meta          *TransitionMeta `json:"meta,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ActivityEntry is an audit record distinct from state transitions. It
// captures events that do not move an aggregate, such as rejected uploads.
type ActivityEntry struct {
	ID           int64                  `json:"id"`
	UseCaseID    string                 `json:"use_case_id"`
	ActivityType string                 `json:"activity_type"`
	Description  string                 `json:"description"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// DedupeKey makes re-executed task steps idempotent: appends sharing a
	// key are written at most once.
	DedupeKey string    `json:"dedupe_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MetricsSummary is the opaque result produced by the evaluator
// collaborator. The engine stores and surfaces it without interpreting it.
type MetricsSummary map[string]interface{}

package evaluation

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/caliperml/caliper/domain"
)

// FieldSpec configures the quality rules applied to one dataset column.
type FieldSpec struct {
	Name      string `json:"name"`
	Required  bool   `json:"required"`
	MaxLength int    `json:"max_length,omitempty"`
}

// Config is the evaluation configuration teams upload per use case.
type Config struct {
	Metrics          []string    `json:"metrics"`
	Fields           []FieldSpec `json:"fields,omitempty"`
	IDColumn         string      `json:"id_column,omitempty"`
	LabelColumn      string      `json:"label_column"`
	PredictionColumn string      `json:"prediction_column"`
}

// knownMetrics are the metrics the built-in evaluator can compute.
var knownMetrics = map[string]bool{
	"accuracy":  true,
	"row_count": true,
	"coverage":  true,
}

// ParseConfig decodes and sanity-checks an uploaded configuration blob.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, domain.Permanentf("config is not a valid evaluation config: %v", err)
	}
	if len(cfg.Metrics) == 0 {
		return nil, domain.Permanentf("config must request at least one metric")
	}
	for _, m := range cfg.Metrics {
		if !knownMetrics[m] {
			return nil, domain.Permanentf("unknown metric %q", m)
		}
	}
	if cfg.LabelColumn == "" {
		return nil, domain.Permanentf("config must name a label_column")
	}
	if cfg.PredictionColumn == "" {
		return nil, domain.Permanentf("config must name a prediction_column")
	}
	seen := map[string]bool{}
	for _, f := range cfg.Fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return nil, domain.Permanentf("field specs must be named")
		}
		if seen[name] {
			return nil, domain.Permanentf("duplicate field spec %q", name)
		}
		seen[name] = true
	}
	return &cfg, nil
}

// BasicValidator validates uploaded configs against the built-in schema.
type BasicValidator struct{}

func (BasicValidator) Validate(ctx context.Context, config []byte) error {
	_, err := ParseConfig(config)
	return err
}

// CSVQualityChecker runs the built-in rule set against a CSV dataset:
// required fields must be present and non-empty, the id column must be
// unique, and over-long values are flagged as warnings.
type CSVQualityChecker struct {
	// MaxIssues caps the reported list so a broken file does not produce
	// one issue per row times column. Zero means 1000.
	MaxIssues int
}

func (c CSVQualityChecker) Run(ctx context.Context, dataset, fieldConfig []byte) ([]domain.QualityIssue, error) {
	maxIssues := c.MaxIssues
	if maxIssues <= 0 {
		maxIssues = 1000
	}

	var cfg *Config
	if len(fieldConfig) > 0 {
		parsed, err := ParseConfig(fieldConfig)
		if err != nil {
			return nil, err
		}
		cfg = parsed
	} else {
		cfg = &Config{}
	}

	reader := csv.NewReader(bytes.NewReader(dataset))
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, domain.Permanentf("dataset is not readable CSV: %v", err)
	}
	index := map[string]int{}
	for i, name := range header {
		index[strings.TrimSpace(strings.ToLower(name))] = i
	}
	column := func(name string) (int, bool) {
		i, ok := index[strings.ToLower(name)]
		return i, ok
	}

	var issues []domain.QualityIssue
	add := func(issue domain.QualityIssue) {
		if len(issues) < maxIssues {
			issues = append(issues, issue)
		}
	}

	for _, field := range cfg.Fields {
		if _, ok := column(field.Name); !ok && field.Required {
			add(domain.QualityIssue{
				FieldName:  field.Name,
				IssueType:  "missing_column",
				Message:    fmt.Sprintf("required column %q is missing", field.Name),
				Severity:   domain.SeverityError,
				Suggestion: "add the column to the dataset header",
			})
		}
	}

	idIdx, hasID := -1, false
	if cfg.IDColumn != "" {
		idIdx, hasID = column(cfg.IDColumn)
	}
	seenIDs := map[string]int{}

	row := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			add(domain.QualityIssue{
				RowNumber: row + 1,
				IssueType: "malformed_row",
				Message:   fmt.Sprintf("row is not readable: %v", err),
				Severity:  domain.SeverityError,
			})
			break
		}
		row++

		for _, field := range cfg.Fields {
			idx, ok := column(field.Name)
			if !ok || idx >= len(record) {
				continue
			}
			value := record[idx]
			if field.Required && strings.TrimSpace(value) == "" {
				add(domain.QualityIssue{
					RowNumber:  row,
					FieldName:  field.Name,
					IssueType:  "missing_value",
					Message:    fmt.Sprintf("required field %q is empty", field.Name),
					Severity:   domain.SeverityError,
					Suggestion: "fill in the value or drop the row",
				})
			}
			if field.MaxLength > 0 && len(value) > field.MaxLength {
				add(domain.QualityIssue{
					RowNumber: row,
					FieldName: field.Name,
					Value:     value[:field.MaxLength],
					IssueType: "value_too_long",
					Message:   fmt.Sprintf("value exceeds %d characters", field.MaxLength),
					Severity:  domain.SeverityWarning,
				})
			}
		}

		if hasID && idIdx < len(record) {
			id := record[idIdx]
			if first, dup := seenIDs[id]; dup {
				add(domain.QualityIssue{
					RowNumber:  row,
					FieldName:  cfg.IDColumn,
					Value:      id,
					IssueType:  "duplicate_id",
					Message:    fmt.Sprintf("id already used in row %d", first),
					Severity:   domain.SeverityError,
					Suggestion: "deduplicate the dataset",
				})
			} else {
				seenIDs[id] = row
			}
		}
	}

	return issues, nil
}

// MetricsEvaluator computes the built-in metric set over a predictions CSV.
// Accuracy is the exact-match rate between the label and prediction
// columns; coverage is the fraction of rows with a non-empty prediction.
type MetricsEvaluator struct{}

func (MetricsEvaluator) Evaluate(ctx context.Context, dataset, config []byte) (domain.MetricsSummary, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(bytes.NewReader(dataset))
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, domain.Permanentf("predictions are not readable CSV: %v", err)
	}
	labelIdx, predIdx := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case strings.ToLower(cfg.LabelColumn):
			labelIdx = i
		case strings.ToLower(cfg.PredictionColumn):
			predIdx = i
		}
	}
	if labelIdx < 0 {
		return nil, domain.Permanentf("predictions are missing the %q column", cfg.LabelColumn)
	}
	if predIdx < 0 {
		return nil, domain.Permanentf("predictions are missing the %q column", cfg.PredictionColumn)
	}

	rows, matches, covered := 0, 0, 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, domain.Permanentf("predictions row %d is not readable: %v", rows+2, err)
		}
		if labelIdx >= len(record) || predIdx >= len(record) {
			continue
		}
		rows++
		prediction := strings.TrimSpace(record[predIdx])
		if prediction != "" {
			covered++
		}
		if strings.EqualFold(strings.TrimSpace(record[labelIdx]), prediction) && prediction != "" {
			matches++
		}
	}
	if rows == 0 {
		return nil, domain.Permanentf("predictions contain no data rows")
	}

	summary := domain.MetricsSummary{}
	for _, metric := range cfg.Metrics {
		switch metric {
		case "accuracy":
			summary["accuracy"] = float64(matches) / float64(rows)
		case "row_count":
			summary["row_count"] = rows
		case "coverage":
			summary["coverage"] = float64(covered) / float64(rows)
		}
	}
	return summary, nil
}

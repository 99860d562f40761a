// Package task defines the typed task variants the runners execute, plus
// their payload validation and DAO hydration.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/taskplane/taskplane/internal/domain"
	"github.com/taskplane/taskplane/internal/secrets"
)

// Task type tags. The tag doubles as the runner registry key and the task id
// prefix.
const (
	TypeCdcPipeline = "flink_cdc_pipeline"
	TypeSQL         = "flink_sql"
)

// validate is the shared validator instance. validator.New is expensive; the
// instance is safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// GenerateID returns a fresh task id for the given type.
func GenerateID(taskType string) string {
	return domain.GenerateTaskID(taskType)
}

// Base carries the fields every task variant shares.
type Base struct {
	TaskID                   string
	TaskType                 string
	Name                     string
	Description              string
	ConnectionTimeoutSeconds int
	TaskTimeoutSeconds       int
	CreatedAt                time.Time

	Status           domain.TaskStatus
	ErrorInfo        domain.Document
	ResultSummary    domain.Document
	ExecutionDetails domain.Document
	ProgressDetails  domain.Document
}

// ID returns the task id.
func (b *Base) ID() string {
	return b.TaskID
}

// HasEnded reports whether the task reached a terminal status.
func (b *Base) HasEnded() bool {
	return b.Status.Terminal()
}

// Expired reports whether the task outlived its timeout budget.
func (b *Base) Expired() bool {
	if b.TaskTimeoutSeconds <= 0 || b.CreatedAt.IsZero() {
		return false
	}
	deadline := b.CreatedAt.Add(time.Duration(b.TaskTimeoutSeconds) * time.Second)
	return time.Now().After(deadline)
}

// baseFromRow hydrates the shared fields from a persisted task row,
// deriving the timeout from expires_at.
func baseFromRow(row *domain.Task, connectionTimeout int) Base {
	timeout := row.TimeoutSeconds()
	if timeout <= 0 {
		timeout = 3600
	}
	if connectionTimeout <= 0 {
		connectionTimeout = 30
	}
	return Base{
		TaskID:                   row.TaskID,
		TaskType:                 row.TaskType,
		Name:                     row.TaskName,
		Description:              row.Description,
		ConnectionTimeoutSeconds: connectionTimeout,
		TaskTimeoutSeconds:       timeout,
		CreatedAt:                row.CreatedAt,
		Status:                   row.Status,
		ErrorInfo:                row.ErrorInfo,
		ResultSummary:            row.ResultSummary,
		ExecutionDetails:         row.ExecutionDetails,
		ProgressDetails:          row.ProgressDetails,
	}
}

// renderConfig applies variable substitution to a submitted config.
func renderConfig(config domain.Document, vars map[string]string) domain.Document {
	if len(vars) == 0 || len(config) == 0 {
		return config
	}
	return secrets.Resolve(config, vars)
}

// decodeConfig maps a schemaless config document onto a typed struct via a
// JSON round-trip, then runs struct-tag validation.
func decodeConfig(config domain.Document, out any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("%w: encode config: %v", domain.ErrUnprocessableTask, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnprocessableTask, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnprocessableTask, err)
	}
	return nil
}

// JarSpec is one entry under resources.flink_jars / resources.flink_cdc_jars.
type JarSpec struct {
	Name     string `json:"name" validate:"required"`
	Location string `json:"location"`
	Source   string `json:"source"`
	Type     string `json:"type"`
}

// jarLists is the typed shape of a resources document.
type jarLists struct {
	FlinkJars    []JarSpec `json:"flink_jars" validate:"omitempty,dive"`
	FlinkCdcJars []JarSpec `json:"flink_cdc_jars" validate:"omitempty,dive"`
}

// validateResourceJars enforces the per-jar rules shared by both variants:
// every entry needs a name, and either a location or a source.
func validateResourceJars(resources domain.Document) error {
	if len(resources) == 0 {
		return nil
	}
	var lists jarLists
	if err := decodeConfig(resources, &lists); err != nil {
		return err
	}
	for _, jar := range append(lists.FlinkJars, lists.FlinkCdcJars...) {
		if jar.Location == "" && jar.Source == "" {
			return fmt.Errorf("%w: jar %q must have either a location or a source",
				domain.ErrUnprocessableTask, jar.Name)
		}
	}
	return nil
}

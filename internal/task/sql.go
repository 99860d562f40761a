package task

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/taskplane/taskplane/internal/domain"
)

// sqlConfig is the typed shape of a Flink SQL submission.
type sqlConfig struct {
	Job struct {
		SQL      string `json:"sql"`
		Pipeline struct {
			Name        string `json:"name"`
			Parallelism *int   `json:"parallelism" validate:"omitempty,gt=0"`
		} `json:"pipeline"`
	} `json:"job" validate:"required"`
	Resources                map[string]any `json:"resources"`
	TaskTimeoutSeconds       *int           `json:"task_timeout_seconds" validate:"omitempty,gt=0"`
	ConnectionTimeoutSeconds int            `json:"connection_timeout_seconds" validate:"omitempty,gt=0"`
}

// SQL is one Flink SQL job executed through the SQL gateway.
type SQL struct {
	Base

	// Statements are executed in order on one gateway session.
	Statements []string
	// PipelineName names the job on the gateway; defaults to the task name.
	PipelineName string
	Parallelism  int
	Resources    domain.Document
}

// LogFile returns the task's log file path.
func (t *SQL) LogFile() string {
	return filepath.Join(os.TempDir(), t.TaskID+".log")
}

// SessionName returns the gateway session name for this task.
func (t *SQL) SessionName() string {
	return "session_" + t.TaskID
}

// ValidateSQLConfig checks a Flink SQL submission payload.
func ValidateSQLConfig(config domain.Document) error {
	var cfg sqlConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if len(SplitStatements(cfg.Job.SQL)) == 0 {
		return fmt.Errorf("%w: no SQL statements found under job.sql", domain.ErrUnprocessableTask)
	}
	return validateResourceJars(cfg.Resources)
}

// SQLFromRow hydrates a SQL task from a persisted task row, rendering
// variable references in the submitted config first.
func SQLFromRow(row *domain.Task, vars map[string]string) (*SQL, error) {
	config := renderConfig(row.SubmittedConfigs, vars)

	var cfg sqlConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}

	name := cfg.Job.Pipeline.Name
	if name == "" {
		name = row.TaskName
	}
	parallelism := 1
	if cfg.Job.Pipeline.Parallelism != nil {
		parallelism = *cfg.Job.Pipeline.Parallelism
	}

	return &SQL{
		Base:         baseFromRow(row, cfg.ConnectionTimeoutSeconds),
		Statements:   SplitStatements(cfg.Job.SQL),
		PipelineName: name,
		Parallelism:  parallelism,
		Resources:    cfg.Resources,
	}, nil
}

// SplitStatements splits SQL text into individual statements. A statement
// ends at a line whose trailing character is ';'. Blank lines and '--'
// comment lines are dropped. Trailing text without a terminator still forms
// a final statement.
func SplitStatements(sqlText string) []string {
	var statements []string
	var current []string

	for _, line := range strings.Split(sqlText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		current = append(current, line)
		if strings.HasSuffix(line, ";") {
			statements = append(statements, strings.Join(current, "\n"))
			current = nil
		}
	}
	if len(current) > 0 {
		statements = append(statements, strings.Join(current, "\n"))
	}
	return statements
}

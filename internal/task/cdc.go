package task

import (
	"fmt"

	"github.com/taskplane/taskplane/internal/domain"
)

// CdcRuntimeOptions are the engine flags accepted under "runtime".
type CdcRuntimeOptions struct {
	SavepointPath         string `json:"savepoint_path"`
	AllowNonRestoredState bool   `json:"allow_non_restored_state"`
	ClaimMode             string `json:"claim_mode"`
	Target                string `json:"target"`
	UseMiniCluster        bool   `json:"use_mini_cluster"`
	GlobalConfig          string `json:"global_config"`
}

// cdcConfig is the typed shape of a CDC pipeline submission.
type cdcConfig struct {
	Job                      map[string]any     `json:"job" validate:"required,min=1"`
	Runtime                  *CdcRuntimeOptions `json:"runtime"`
	Resources                map[string]any     `json:"resources"`
	Environment              map[string]string  `json:"environment"`
	TaskTimeoutSeconds       *int               `json:"task_timeout_seconds" validate:"omitempty,gt=0"`
	ConnectionTimeoutSeconds int                `json:"connection_timeout_seconds" validate:"omitempty,gt=0"`
}

// CdcPipeline is one Flink CDC pipeline deployment.
type CdcPipeline struct {
	Base

	// Job is the pipeline definition written to job-config.yaml.
	Job domain.Document
	// Runtime carries the optional engine flags.
	Runtime CdcRuntimeOptions
	// Resources is the raw resources document for the resource manager.
	Resources domain.Document
	// Environment is overlaid onto the subprocess environment.
	Environment map[string]string
}

// LogFile returns the task's log file path.
func (t *CdcPipeline) LogFile() string {
	return fmt.Sprintf("/tmp/flink_cdc_%s.log", t.TaskID)
}

// ValidateCdcConfig checks a CDC pipeline submission payload.
func ValidateCdcConfig(config domain.Document) error {
	var cfg cdcConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	return validateResourceJars(cfg.Resources)
}

// CdcPipelineFromRow hydrates a CdcPipeline from a persisted task row,
// rendering variable references in the submitted config first.
func CdcPipelineFromRow(row *domain.Task, vars map[string]string) (*CdcPipeline, error) {
	config := renderConfig(row.SubmittedConfigs, vars)

	var cfg cdcConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}

	t := &CdcPipeline{
		Base:        baseFromRow(row, cfg.ConnectionTimeoutSeconds),
		Job:         cfg.Job,
		Resources:   cfg.Resources,
		Environment: cfg.Environment,
	}
	if cfg.Runtime != nil {
		t.Runtime = *cfg.Runtime
	}
	return t, nil
}

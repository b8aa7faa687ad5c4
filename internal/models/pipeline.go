/**
 * @description
 * Pipeline run record: one row per daily run with its ordered step results.
 *
 * @dependencies
 * - gorm.io/datatypes
 */

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Pipeline step and run statuses
const (
	StepStatusOK      = "ok"
	StepStatusError   = "error"
	StepStatusSkipped = "skipped"

	RunStatusOK      = "ok"
	RunStatusPartial = "partial"
	RunStatusFailed  = "failed"
)

// PipelineStep is one recorded step of a daily run
type PipelineStep struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Detail     any    `json:"detail,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PipelineRun is the persisted summary of one daily run
type PipelineRun struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RunDate    string         `gorm:"column:run_date;type:varchar(10);not null;index" json:"run_date"`
	Status     string         `gorm:"column:status;type:varchar(16);not null" json:"status"`
	Steps      datatypes.JSON `gorm:"column:steps" json:"steps"`
	StartedAt  time.Time      `gorm:"column:started_at;not null" json:"started_at"`
	FinishedAt time.Time      `gorm:"column:finished_at" json:"finished_at"`
}

// TableName overrides the table name used by PipelineRun to `pipeline_runs`
func (PipelineRun) TableName() string {
	return "pipeline_runs"
}

// BeforeCreate ensures UUID is generated if not present
func (r *PipelineRun) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return
}

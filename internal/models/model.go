/**
 * @description
 * Model artifacts and scoring runs.
 * LowTempModel stores a trained sigma set; ModelRun groups the predictions written
 * by one scoring pass.
 *
 * @dependencies
 * - gorm.io/gorm
 * - gorm.io/datatypes: JSON column for the per-station sigma map
 * - github.com/google/uuid
 */

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LowTempModel is a trained low temperature error model
type LowTempModel struct {
	ID           uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	Version      string         `gorm:"column:version;type:varchar(64);not null" json:"version"`
	GlobalSigma  float64        `gorm:"column:global_sigma;not null" json:"global_sigma"`
	RMSE         float64        `gorm:"column:rmse;not null" json:"rmse"`
	SampleCount  int            `gorm:"column:sample_count;not null" json:"sample_count"`
	StationSigma datatypes.JSON `gorm:"column:station_sigma" json:"station_sigma"`
	TrainedFor   string         `gorm:"column:trained_for;type:varchar(10);index" json:"trained_for"` // run date, YYYY-MM-DD
	TrainedAt    time.Time      `gorm:"column:trained_at;not null;index" json:"trained_at"`
}

// TableName overrides the table name used by LowTempModel to `low_temp_models`
func (LowTempModel) TableName() string {
	return "low_temp_models"
}

// StationSigmaMap decodes the per-station sigma column
func (m LowTempModel) StationSigmaMap() map[string]float64 {
	out := map[string]float64{}
	if len(m.StationSigma) == 0 {
		return out
	}
	_ = json.Unmarshal(m.StationSigma, &out)
	return out
}

// ModelRun groups one scoring pass
type ModelRun struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ModelName      string    `gorm:"column:model_name;type:varchar(64);not null" json:"model_name"`
	LowTempModelID *uint64   `gorm:"column:low_temp_model_id" json:"low_temp_model_id"`
	Candidates     int       `gorm:"column:candidates" json:"candidates"`
	Degraded       int       `gorm:"column:degraded" json:"degraded"`
	Unavailable    int       `gorm:"column:unavailable" json:"unavailable"`
	StartedAt      time.Time `gorm:"column:started_at;not null;index" json:"started_at"`
}

// TableName overrides the table name used by ModelRun to `model_runs`
func (ModelRun) TableName() string {
	return "model_runs"
}

// BeforeCreate ensures UUID is generated if not present
func (r *ModelRun) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return
}

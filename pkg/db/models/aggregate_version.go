package models

import "time"

// AggregateVersion tracks the highest published version per aggregate. The
// monotonic-version guard performs a conditional update against this row.
type AggregateVersion struct {
	AggregateType string    `gorm:"column:aggregate_type;primaryKey"`
	AggregateID   string    `gorm:"column:aggregate_id;primaryKey"`
	Version       int64     `gorm:"column:version;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (AggregateVersion) TableName() string { return "aggregate_versions" }

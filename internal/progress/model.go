package progress

import "gorm.io/datatypes"

// Record persists one progress document per user.
type Record struct {
	UserID           string         `gorm:"column:user_id;primaryKey;size:190;not null"`
	Data             datatypes.JSON `gorm:"column:data;not null"`
	Version          int64          `gorm:"column:version;not null;default:1"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "user_progress"
}

// ApplyResult captures the snapshots on either side of a reconciled write.
type ApplyResult struct {
	// Before is nil on a user's first write.
	Before   *Document
	After    Document
	Version  int64
	Attempts int
}

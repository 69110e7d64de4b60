package notify

import (
	"time"

	"gorm.io/datatypes"
)

// Delivery log statuses.
const (
	StatusSent        = "sent"
	StatusNoEndpoints = "no_endpoints"
	StatusSuppressed  = "suppressed"
)

// Preferences stores per-user category toggles. A missing row means every category is enabled.
type Preferences struct {
	UserID          string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"-"`
	GameReminders   bool      `gorm:"column:game_reminders;not null" json:"gameReminders"`
	ProgressUpdates bool      `gorm:"column:progress_updates;not null" json:"progressUpdates"`
	Competition     bool      `gorm:"column:competition;not null" json:"competition"`
	Inactivity      bool      `gorm:"column:inactivity;not null" json:"inactivity"`
	NewContent      bool      `gorm:"column:new_content;not null" json:"newContent"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Preferences) TableName() string {
	return "notification_preferences"
}

// DefaultPreferences returns the all-enabled preference set.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:          userID,
		GameReminders:   true,
		ProgressUpdates: true,
		Competition:     true,
		Inactivity:      true,
		NewContent:      true,
	}
}

// Endpoint is a device registration token owned by exactly one user.
type Endpoint struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Token     string    `gorm:"column:token;size:512;not null;uniqueIndex"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index"`
	Platform  string    `gorm:"column:platform;size:32;not null;default:'android'"`
	Locale    string    `gorm:"column:locale;size:16;not null;default:'en'"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Endpoint) TableName() string {
	return "delivery_endpoints"
}

// LogEntry is the append-only audit record of one dispatch call.
type LogEntry struct {
	ID        string         `gorm:"column:id;primaryKey;size:64"`
	UserID    string         `gorm:"column:user_id;size:190;not null;index"`
	Category  Category       `gorm:"column:category;size:32;not null"`
	Title     string         `gorm:"column:title;type:text;not null"`
	Body      string         `gorm:"column:body;type:text;not null"`
	Data      datatypes.JSON `gorm:"column:data"`
	Attempted int            `gorm:"column:attempted;not null;default:0"`
	Delivered int            `gorm:"column:delivered;not null;default:0"`
	Status    string         `gorm:"column:status;size:32;not null"`
	SentAt    time.Time      `gorm:"column:sent_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (LogEntry) TableName() string {
	return "notification_log"
}

// Notification is the payload handed to every endpoint of a recipient.
type Notification struct {
	Title    string
	Body     string
	Data     map[string]string
	Category Category
}

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	OutcomeDelivered Outcome = iota + 1
	// OutcomePermanentlyInvalid means the endpoint will never accept messages again.
	OutcomePermanentlyInvalid
	// OutcomeTransientFailure leaves the endpoint registered.
	OutcomeTransientFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomePermanentlyInvalid:
		return "invalid"
	case OutcomeTransientFailure:
		return "transient"
	default:
		return "unknown"
	}
}

package data

import (
	"time"

	"gorm.io/gorm"
)

// Setting is one row of the settings table.
type Setting struct {
	ID     uint8  `gorm:"primaryKey"`
	Name   string `gorm:"size:32;not null"`
	Value  string `gorm:"type:text;not null"`
	Active uint8  `gorm:"not null"`
}

// AgentEvent is a bus event persisted by the journal agent.
type AgentEvent struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	EventID     string    `gorm:"size:36;uniqueIndex;not null"`
	Type        string    `gorm:"size:128;index;not null"`
	SourceAgent string    `gorm:"size:128;index"`
	Payload     string    `gorm:"type:text"`
	OccurredAt  time.Time `gorm:"index;not null"`
	CreatedAt   time.Time
}

// TableName pins the table name.
func (AgentEvent) TableName() string { return "agent_events" }

// Migrate creates the tables this module writes to.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Setting{}, &AgentEvent{})
}

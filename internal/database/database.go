package database

import (
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PushSubscription is one browser push endpoint registered by a user.
type PushSubscription struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(36);not null;index" json:"user_id"`
	Endpoint  string    `gorm:"type:text;not null" json:"endpoint"`
	P256DH    string    `gorm:"type:text;not null" json:"p256dh"`
	Auth      string    `gorm:"type:text;not null" json:"auth"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *PushSubscription) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// CallRecord is the local operational archive of a terminal instant-call
// invitation. The external record system remains the source of truth.
type CallRecord struct {
	ID         string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CallID     string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"call_id"`
	RoomID     string    `gorm:"type:varchar(36);not null" json:"room_id"`
	CallerID   string    `gorm:"type:varchar(36);not null;index" json:"caller_id"`
	CalleeID   string    `gorm:"type:varchar(36);not null;index" json:"callee_id"`
	Status     string    `gorm:"type:varchar(16);not null" json:"status"`
	Message    string    `gorm:"type:text" json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	ResolvedAt time.Time `json:"resolved_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r *CallRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

func Initialize(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&PushSubscription{},
		&CallRecord{},
	); err != nil {
		return nil, err
	}

	return db, nil
}

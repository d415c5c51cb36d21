package database

import (
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/nellylemmy/talktime-video-app-sub004/internal/models"
)

// Archive writes terminal instant-call invitations to sqlite, best effort.
type Archive struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewArchive(db *gorm.DB, logger *slog.Logger) *Archive {
	return &Archive{db: db, logger: logger}
}

func (a *Archive) ArchiveInvitation(inv *models.Invitation) {
	record := CallRecord{
		CallID:     inv.CallID,
		RoomID:     inv.RoomID,
		CallerID:   inv.CallerID,
		CalleeID:   inv.CalleeID,
		Status:     string(inv.Status),
		Message:    inv.ResponseMessage,
		StartedAt:  inv.CreatedAt,
		ResolvedAt: time.Now(),
	}
	if err := a.db.Create(&record).Error; err != nil {
		a.logger.Warn("call archive write failed", "call_id", inv.CallID, "error", err)
	}
}

// RecentCalls lists the newest archived invitations for introspection.
func (a *Archive) RecentCalls(limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []CallRecord
	err := a.db.Order("resolved_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

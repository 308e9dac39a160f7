package services

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ekurt/termgate/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Recorder persists the session audit trail. A nil Recorder (no database
// configured) drops everything, so callers never need to guard.
type Recorder struct {
	db *gorm.DB
}

func NewRecorder(db *gorm.DB) *Recorder {
	if db == nil {
		return nil
	}
	return &Recorder{db: db}
}

func (r *Recorder) SessionStarted(s *Session) {
	if r == nil {
		return
	}

	details, _ := json.Marshal(map[string]interface{}{
		"term": defaultTermType,
	})

	rec := models.TerminalSession{
		SessionID: s.ID,
		Owner:     s.Owner,
		Host:      s.Host,
		Port:      s.Port,
		Username:  s.Username,
		StartedAt: s.CreatedAt,
		Details:   datatypes.JSON(details),
	}
	if err := r.db.Create(&rec).Error; err != nil {
		slog.Error("Failed to record session start", "session", s.ID, "error", err)
	}
}

func (r *Recorder) SessionEnded(s *Session, reason string) {
	if r == nil {
		return
	}

	now := time.Now()
	updates := map[string]interface{}{
		"ended_at":         now,
		"duration_seconds": int(now.Sub(s.CreatedAt).Seconds()),
		"bytes_sent":       s.bytesSent.Load(),
		"bytes_received":   s.bytesReceived.Load(),
		"close_reason":     reason,
	}
	if err := r.db.Model(&models.TerminalSession{}).
		Where("session_id = ?", s.ID).
		Updates(updates).Error; err != nil {
		slog.Error("Failed to record session end", "session", s.ID, "error", err)
	}
}

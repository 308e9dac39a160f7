package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TerminalSession is the audit record for one gateway session. It is written
// when the SSH connection is established and finalized on teardown. Live
// sessions themselves are never persisted.
type TerminalSession struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	SessionID       string         `gorm:"not null;index" json:"session_id"`
	Owner           string         `gorm:"not null;index" json:"owner"`
	Host            string         `gorm:"not null" json:"host"`
	Port            int            `gorm:"default:22" json:"port"`
	Username        string         `gorm:"not null" json:"username"`
	StartedAt       time.Time      `gorm:"not null" json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at"`
	DurationSeconds int            `json:"duration_seconds"`
	BytesSent       int64          `gorm:"default:0" json:"bytes_sent"`
	BytesReceived   int64          `gorm:"default:0" json:"bytes_received"`
	CloseReason     string         `json:"close_reason"`
	Details         datatypes.JSON `gorm:"type:jsonb" json:"details"`
}

package chat

import (
	"time"

	"github.com/suPer8Hu/chat-dispatch/internal/dispatch"
)

// SessionRecord is a dispatch session archived after the reaper removed it.
type SessionRecord struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID    string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	UserID       string    `gorm:"type:varchar(128);index;not null" json:"user_id"`
	ChannelID    string    `gorm:"type:varchar(128);index" json:"channel_id"`
	MessageCount int       `gorm:"not null" json:"message_count"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	CreatedAt    time.Time `json:"created_at"`
}

func (SessionRecord) TableName() string { return "dispatch_sessions" }

// ResultRecord is one background-processed message outcome. ID is the ULID
// assigned at publish time, so redelivered messages collapse onto one row.
type ResultRecord struct {
	ID               string    `gorm:"primaryKey;size:26" json:"id"`
	UserID           string    `gorm:"type:varchar(128);index:idx_dispatch_result_user_session,priority:1;not null" json:"user_id"`
	SessionID        string    `gorm:"type:varchar(26);index:idx_dispatch_result_user_session,priority:2" json:"session_id"`
	ChannelID        string    `gorm:"type:varchar(128)" json:"channel_id"`
	Tier             string    `gorm:"type:varchar(16);index;not null" json:"tier"`
	Score            int       `json:"score"`
	ThreadID         string    `gorm:"type:varchar(128);index" json:"thread_id"`
	Summary          string    `gorm:"type:text" json:"summary"`
	ResponseGuidance string    `gorm:"type:text" json:"response_guidance"`
	Emotion          string    `gorm:"type:varchar(32)" json:"emotion"`
	Intensity        float64   `json:"intensity"`
	Confidence       float64   `json:"confidence"`
	ElapsedMs        int64     `json:"elapsed_ms"`
	ProcessedAt      time.Time `gorm:"index" json:"processed_at"`
	CreatedAt        time.Time `json:"created_at"`
}

func (ResultRecord) TableName() string { return "dispatch_results" }

func NewResultRecord(id string, r dispatch.Result) ResultRecord {
	return ResultRecord{
		ID:               id,
		UserID:           r.UserID,
		SessionID:        r.SessionID,
		ChannelID:        r.ChannelID,
		Tier:             r.Tier.String(),
		Score:            r.Score,
		ThreadID:         r.Thread.CurrentThreadID,
		Summary:          r.Thread.AnalysisSummary,
		ResponseGuidance: r.Thread.ResponseGuidance,
		Emotion:          r.Emotion.PrimaryEmotion,
		Intensity:        r.Emotion.Intensity,
		Confidence:       r.Emotion.Confidence,
		ElapsedMs:        r.Elapsed.Milliseconds(),
		ProcessedAt:      r.ProcessedAt,
	}
}

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&SessionRecord{}, &ResultRecord{}}
}

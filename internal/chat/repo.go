package chat

import (
	"context"
	"time"

	"github.com/suPer8Hu/chat-dispatch/internal/dispatch"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db, now: time.Now}
}

// ArchiveSessions stores reaped sessions. A session archived twice keeps its
// first record.
func (r *Repo) ArchiveSessions(ctx context.Context, sessions []dispatch.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	ended := r.now()
	recs := make([]SessionRecord, 0, len(sessions))
	for _, s := range sessions {
		recs = append(recs, SessionRecord{
			SessionID:    s.ID,
			UserID:       s.UserID,
			ChannelID:    s.CurrentChannelID,
			MessageCount: s.MessageCount,
			StartedAt:    s.StartedAt,
			EndedAt:      ended,
		})
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, DoNothing: true}).
		Create(&recs).Error
}

// ListArchivedSessions returns a user's archived sessions, newest first.
func (r *Repo) ListArchivedSessions(ctx context.Context, userID string, limit int) ([]SessionRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var recs []SessionRecord
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// InsertResultOrIgnore stores rec unless a row with the same id exists.
// It reports whether a new row was written.
func (r *Repo) InsertResultOrIgnore(ctx context.Context, rec *ResultRecord) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repo) GetResult(ctx context.Context, id string) (*ResultRecord, error) {
	var rec ResultRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListResults returns results for a user in DESC processed order.
func (r *Repo) ListResults(ctx context.Context, userID string, limit int) ([]ResultRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var recs []ResultRecord
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("processed_at DESC").
		Limit(limit).
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

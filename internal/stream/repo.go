package stream

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertDelivery creates the delivery row or leaves the existing one alone.
// A queue redelivery carries the same request id; the first row wins so the
// original created_at survives.
func (r *Repo) UpsertDelivery(ctx context.Context, d *Delivery) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(d).Error
}

func (r *Repo) GetDeliveryByID(ctx context.Context, id string) (*Delivery, error) {
	var d Delivery
	if err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repo) LatestDeliveryBySession(ctx context.Context, sessionID string) (*Delivery, error) {
	var d Delivery
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repo) MarkDeliveryRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Delivery{}).
		Where("id = ?", id).
		Update("status", DeliveryRunning).Error
}

func (r *Repo) MarkDeliveryOutcome(ctx context.Context, id string, status DeliveryStatus, fragments int, errMsg *string) error {
	return r.db.WithContext(ctx).Model(&Delivery{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":    status,
			"fragments": fragments,
			"error":     errMsg,
		}).Error
}

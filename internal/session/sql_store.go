package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/kluret-checkout/pkg/db/models"
	"github.com/angelmondragon/kluret-checkout/pkg/enums"
	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type txRunner interface {
	DB() *gorm.DB
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// SQLStore persists sessions in the payment_sessions table.
type SQLStore struct {
	db txRunner
}

func NewSQLStore(db txRunner) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db client required")
	}
	return &SQLStore{db: db}, nil
}

var terminalStates = []enums.SessionState{
	enums.SessionStateSucceeded,
	enums.SessionStateFailed,
	enums.SessionStateCancelled,
	enums.SessionStateExpired,
}

func (s *SQLStore) Save(ctx context.Context, ps *PaymentSession) error {
	payload, err := json.Marshal(ps)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode payment session")
	}
	row := models.PaymentSession{
		UserID:          ps.UserID,
		SessionID:       ps.ID,
		Method:          ps.Method,
		State:           ps.State,
		GatewayIntentID: ps.GatewayIntentID,
		Payload:         string(payload),
		Version:         ps.Version,
		CreatedAt:       ps.CreatedAt,
		UpdatedAt:       ps.LastUpdatedAt,
	}
	err = s.db.DB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save payment session")
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, userID string) (*PaymentSession, error) {
	var row models.PaymentSession
	err := s.db.DB().WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment session")
	}
	return decodeRow(row)
}

func (s *SQLStore) Clear(ctx context.Context, userID string) error {
	err := s.db.DB().WithContext(ctx).Where("user_id = ?", userID).Delete(&models.PaymentSession{}).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear payment session")
	}
	return nil
}

func (s *SQLStore) SaveReturnContext(ctx context.Context, userID, location string) error {
	row := models.PaymentReturnContext{UserID: userID, Location: location}
	err := s.db.DB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"location", "created_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save return context")
	}
	return nil
}

func (s *SQLStore) TakeReturnContext(ctx context.Context, userID string) (string, error) {
	var location string
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var row models.PaymentReturnContext
		if err := tx.Where("user_id = ?", userID).Take(&row).Error; err != nil {
			return err
		}
		location = row.Location
		return tx.Where("user_id = ?", userID).Delete(&models.PaymentReturnContext{}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "take return context")
	}
	return location, nil
}

func (s *SQLStore) ListStale(ctx context.Context, createdBefore time.Time, offset, limit int) (StalePage, error) {
	var rows []models.PaymentSession
	query := s.db.DB().WithContext(ctx).
		Where("state NOT IN ?", terminalStates).
		Where("created_at < ?", createdBefore.UTC()).
		Order("created_at ASC").
		Order("user_id ASC")
	if offset > 0 {
		query = query.Offset(offset)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return StalePage{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stale sessions")
	}
	page := StalePage{Sessions: make([]*PaymentSession, 0, len(rows))}
	for _, row := range rows {
		ps, err := decodeRow(row)
		if err != nil {
			page.Skipped = append(page.Skipped, row.UserID)
			continue
		}
		page.Sessions = append(page.Sessions, ps)
	}
	return page, nil
}

// abandonedStates are terminal states that need no further action once the
// customer has gone. Failed rows are kept since they may await manual recovery.
var abandonedStates = []enums.SessionState{
	enums.SessionStateSucceeded,
	enums.SessionStateCancelled,
	enums.SessionStateExpired,
}

// PurgeAbandoned deletes unacknowledged terminal slots and return contexts
// last touched before the cutoff. It reports how many session rows were removed.
func (s *SQLStore) PurgeAbandoned(ctx context.Context, updatedBefore time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Where("state IN ?", abandonedStates).
			Where("updated_at < ?", updatedBefore.UTC()).
			Delete(&models.PaymentSession{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return tx.Where("created_at < ?", updatedBefore.UTC()).
			Where("user_id NOT IN (?)", tx.Model(&models.PaymentSession{}).Select("user_id")).
			Delete(&models.PaymentReturnContext{}).Error
	})
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "purge abandoned sessions")
	}
	return deleted, nil
}

func decodeRow(row models.PaymentSession) (*PaymentSession, error) {
	var ps PaymentSession
	if err := json.Unmarshal([]byte(row.Payload), &ps); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode payment session")
	}
	return &ps, nil
}

package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/kluret-checkout/pkg/enums"
)

// PaymentSession is the durable per-user checkout slot. The full session document
// lives in Payload; the remaining columns exist for indexing and the expiry sweep.
type PaymentSession struct {
	UserID          string              `gorm:"column:user_id;primaryKey"`
	SessionID       uuid.UUID           `gorm:"column:session_id;type:uuid;not null"`
	Method          enums.PaymentMethod `gorm:"column:method;not null"`
	State           enums.SessionState  `gorm:"column:state;not null"`
	GatewayIntentID *string             `gorm:"column:gateway_intent_id"`
	Payload         string              `gorm:"column:payload;type:jsonb;not null"`
	Version         int64               `gorm:"column:version;not null;default:0"`
	CreatedAt       time.Time           `gorm:"column:created_at;not null"`
	UpdatedAt       time.Time           `gorm:"column:updated_at;not null"`
}

func (PaymentSession) TableName() string { return "payment_sessions" }

// PaymentReturnContext holds the location to restore after an external redirect.
type PaymentReturnContext struct {
	UserID    string    `gorm:"column:user_id;primaryKey"`
	Location  string    `gorm:"column:location;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (PaymentReturnContext) TableName() string { return "payment_return_contexts" }

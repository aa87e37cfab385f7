package stream

import "time"

// Session is one prompt-to-response interaction. The relay core treats the
// session id as an opaque correlation key; this record belongs to the
// session initiator.
type Session struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID   string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	PrincipalID string    `gorm:"type:varchar(128);index" json:"-"`
	Provider    string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model       string    `gorm:"type:varchar(64);not null" json:"model"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Session) TableName() string { return "relay_sessions" }

type DeliveryStatus string

const (
	DeliveryQueued    DeliveryStatus = "queued"
	DeliveryRunning   DeliveryStatus = "running"
	DeliveryCompleted DeliveryStatus = "completed"
	DeliverySinkGone  DeliveryStatus = "sink_gone"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery is one relay invocation. Keyed by the trigger's request id so a
// queue redelivery maps onto the same row and duplicate transcripts stay
// correlatable.
type Delivery struct {
	ID string `gorm:"primaryKey;size:36"` // request id (UUID)

	SessionID string `gorm:"size:26;index;not null"`
	Transport string `gorm:"type:varchar(16);not null"` // sse | websocket | broadcast

	Prompt string `gorm:"type:text;not null"`

	Status DeliveryStatus `gorm:"type:varchar(16);index;not null"`

	// Non-terminal fragments handed to the sink before the run ended.
	Fragments int

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Delivery) TableName() string { return "relay_deliveries" }

// Package domain defines the persistence models for inbound messages,
// generated replies, and the saved-reply corpus the matcher searches.
// These types are mapped with GORM and form the core data layer of the
// guardrail pipeline.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Decision outcome values recorded on an InboundMessage. An empty
// DecisionOutcome means the message has not been through the pipeline yet;
// the Decision Engine uses that as its message-level duplicate guard.
const (
	OutcomeAutoReply  = "auto_reply"
	OutcomeSuggestion = "suggestion"
	OutcomeEscalated  = "escalated"
	OutcomeNone       = "none"
)

// InboundMessage mirrors a message received in one of the owner's
// conversations. The decision pipeline annotates it in place: after one
// terminal outcome the Decision* columns are set and the row is never
// re-decided.
//
// Fields:
//   - ID: stable UUID primary key (char(36)), assigned by the message store.
//   - ConversationID / SenderID: origin of the message.
//   - OwnerID: the creator on whose behalf automation may act; indexed.
//   - Content: full text content of the message.
//   - Sentiment: optional sentiment signal in [-1,1] attached upstream.
//   - DecisionOutcome..DecidedAt: metadata written by the Action Executor.
type InboundMessage struct {
	ID             string   `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string   `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	SenderID       string   `json:"sender_id"       gorm:"type:varchar(64);not null"`
	OwnerID        string   `json:"owner_id"        gorm:"type:varchar(64);not null;index:idx_owner_msgs"`
	Content        string   `json:"content"         gorm:"type:text;not null"`
	Sentiment      *float64 `json:"sentiment,omitempty"`

	// Decision metadata. Written at most once per message.
	DecisionOutcome  string     `json:"decision_outcome,omitempty"  gorm:"type:varchar(16);index:idx_owner_pending"`
	DecisionScore    *float64   `json:"decision_score,omitempty"`
	MatchID          string     `json:"match_id,omitempty"          gorm:"type:char(36)"`
	SuggestedReply   string     `json:"suggested_reply,omitempty"   gorm:"type:text"`
	PendingReview    bool       `json:"pending_review"              gorm:"index:idx_owner_pending"`
	EscalationReason string     `json:"escalation_reason,omitempty" gorm:"type:varchar(128)"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`

	CreatedAt time.Time      `json:"created_at" gorm:"index:idx_conv_msgs,priority:2"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`
}

// TableName returns the database table name for InboundMessage.
func (InboundMessage) TableName() string { return "inbound_messages" }

// Reply is an automatically generated reply persisted on the owner's behalf.
// Provenance fields record which saved reply produced it and at what
// confidence, so every automated action can be reconstructed later.
type Reply struct {
	ID             string  `json:"id"              gorm:"type:char(36);primaryKey"`
	OwnerID        string  `json:"owner_id"        gorm:"type:varchar(64);not null;index:idx_owner_replies,priority:1"`
	ConversationID string  `json:"conversation_id" gorm:"type:char(36);not null"`
	MessageID      string  `json:"message_id"      gorm:"type:char(36);not null;uniqueIndex:ux_reply_source"`
	Content        string  `json:"content"         gorm:"type:text;not null"`
	MatchID        string  `json:"match_id"        gorm:"type:char(36);not null"`
	Confidence     float64 `json:"confidence"      gorm:"not null"`

	CreatedAt time.Time      `json:"created_at" gorm:"index:idx_owner_replies,priority:2"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`
}

// TableName returns the database table name for Reply.
func (Reply) TableName() string { return "replies" }

// SavedReply is one entry of the owner's reusable answer corpus. The vector
// index stores an embedding per saved reply; this row carries the payload a
// candidate match resolves to (answer text, active flag, category).
type SavedReply struct {
	ID         string     `json:"id"        gorm:"type:char(36);primaryKey"`
	OwnerID    string     `json:"owner_id"  gorm:"type:varchar(64);not null;index:idx_owner_saved"`
	Category   string     `json:"category"  gorm:"type:varchar(64)"`
	Answer     string     `json:"answer"    gorm:"type:text;not null"`
	Active     bool       `json:"active"    gorm:"not null;default:true"`
	UseCount   int64      `json:"use_count" gorm:"not null;default:0"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for SavedReply.
func (SavedReply) TableName() string { return "saved_replies" }

// DeviceToken is a provider-addressed push token registered by one of the
// owner's devices. Tokens reported invalid by a provider are deactivated
// rather than deleted so re-registration is cheap to audit.
type DeviceToken struct {
	ID       string `json:"id"       gorm:"type:char(36);primaryKey"`
	OwnerID  string `json:"owner_id" gorm:"type:varchar(64);not null;index"`
	Provider string `json:"provider" gorm:"type:varchar(16);not null;uniqueIndex:ux_provider_token,priority:1"`
	Token    string `json:"token"    gorm:"type:varchar(512);not null;uniqueIndex:ux_provider_token,priority:2"`
	Active   bool   `json:"active"   gorm:"not null;default:true"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for DeviceToken.
func (DeviceToken) TableName() string { return "device_tokens" }

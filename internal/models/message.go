package models

import (
	"time"

	"gorm.io/datatypes"
)

// Message represents a single chat message inside a two-party conversation.
//
// IDs are UUID strings assigned by the server; while a send is still in
// flight clients display the message under a provisional UUID of their own.
type Message struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string    `gorm:"size:64;index" json:"conversation_id"`
	SenderID       string    `gorm:"size:64;index" json:"sender_id"`
	RecipientID    string    `gorm:"size:64;index" json:"recipient_id"`
	Content        string    `gorm:"type:text" json:"content"`
	Kind           string    `gorm:"size:16;default:text" json:"kind"`
	IsRead         bool      `gorm:"not null;default:false" json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// Reaction records a single emoji reaction on a message. Membership is a
// set: at most one row per (message_id, user_id, emoji).
type Reaction struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	MessageID string    `gorm:"size:36;uniqueIndex:idx_reaction_membership" json:"message_id"`
	UserID    string    `gorm:"size:64;uniqueIndex:idx_reaction_membership" json:"user_id"`
	Emoji     string    `gorm:"size:16;uniqueIndex:idx_reaction_membership" json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// Call log statuses recorded for audit history. The signaling state machine
// writes these but never reads them back.
const (
	CallStatusPending  = "pending"
	CallStatusAccepted = "accepted"
	CallStatusRejected = "rejected"
	CallStatusMissed   = "missed"
	CallStatusEnded    = "ended"
)

// CallLog is the audit record for one audio call attempt.
type CallLog struct {
	CallID         string            `gorm:"primaryKey;size:36" json:"call_id"`
	ConversationID string            `gorm:"size:64;index" json:"conversation_id"`
	CallerID       string            `gorm:"size:64;index" json:"caller_id"`
	CalleeID       string            `gorm:"size:64;index" json:"callee_id"`
	Status         string            `gorm:"size:16;default:pending" json:"status"`
	Metadata       datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

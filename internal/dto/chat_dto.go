package dto

import (
	"time"

	"github.com/amoryn/amoryn-realtime-api/internal/models"
)

// Message kinds accepted on send.
const (
	MessageKindText  = "text"
	MessageKindImage = "image"
)

// Conversation event types carried on conversation:{id} topics. Insert and
// delete events carry either a message or a reaction; read events carry the
// reader so peers can flip their local read flags.
const (
	ConversationEventInsert = "insert"
	ConversationEventDelete = "delete"
	ConversationEventRead   = "read"
)

// SendRequest is the payload a client submits to post a message.
type SendRequest struct {
	ConversationID string `json:"conversation_id" validate:"required,min=3,max=64"`
	RecipientID    string `json:"recipient_id" validate:"required,max=64"`
	Content        string `json:"content" validate:"required,min=1,max=4000"`
	Kind           string `json:"kind" validate:"omitempty,oneof=text image"`
}

// HistoryQuery filters the persisted message history of one conversation.
type HistoryQuery struct {
	ConversationID string     `query:"conversation_id" validate:"required,min=3,max=64"`
	Before         *time.Time `query:"before"`
	Limit          int        `query:"limit" validate:"omitempty,min=1,max=100"`
}

// MessageResponse is the serialized representation of a chat message.
type MessageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	RecipientID    string    `json:"recipient_id"`
	Content        string    `json:"content"`
	Kind           string    `json:"kind"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMessageResponse converts a model into a DTO.
func NewMessageResponse(message models.Message) MessageResponse {
	return MessageResponse{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		RecipientID:    message.RecipientID,
		Content:        message.Content,
		Kind:           message.Kind,
		IsRead:         message.IsRead,
		CreatedAt:      message.CreatedAt,
	}
}

// NewMessageResponseSlice converts a slice of models into DTOs.
func NewMessageResponseSlice(messages []models.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewMessageResponse(message))
	}
	return out
}

// ConversationEvent is the wire envelope published on a conversation's
// message topic. Exactly one of Message, Reaction or ReaderID is populated:
// message insert/delete, reaction insert/delete (piggybacked on the same
// topic), or a read receipt. Delete events only need the relevant ids.
type ConversationEvent struct {
	Type     string            `json:"type"`
	Message  *MessageResponse  `json:"message,omitempty"`
	Reaction *ReactionResponse `json:"reaction,omitempty"`
	ReaderID string            `json:"reader_id,omitempty"`
}

// ReactionResponse is the serialized representation of one reaction row.
type ReactionResponse struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// NewReactionResponse converts a model into a DTO.
func NewReactionResponse(reaction models.Reaction) ReactionResponse {
	return ReactionResponse{
		ID:        reaction.ID,
		MessageID: reaction.MessageID,
		UserID:    reaction.UserID,
		Emoji:     reaction.Emoji,
		CreatedAt: reaction.CreatedAt,
	}
}

// ReactionSummary is the per-emoji projection clients render under a
// message bubble.
type ReactionSummary struct {
	Emoji       string `json:"emoji"`
	Count       int    `json:"count"`
	ReactedByMe bool   `json:"reacted_by_me"`
}

// TypingState is the ephemeral presence payload tracked on a
// conversation's typing topic. It is published, never persisted.
type TypingState struct {
	UserID     string    `json:"user_id"`
	IsTyping   bool      `json:"is_typing"`
	Name       string    `json:"name,omitempty"`
	Avatar     string    `json:"avatar,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

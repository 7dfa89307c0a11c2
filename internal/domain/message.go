package domain

import (
	"time"
)

// MessageKind identifies where the text of a message was extracted from.
type MessageKind string

// Message kinds.
const (
	KindText         MessageKind = "text"
	KindExtendedText MessageKind = "extended_text"
	KindImage        MessageKind = "image"
	KindVideo        MessageKind = "video"
	KindDocument     MessageKind = "document"
	KindButton       MessageKind = "button"
	KindList         MessageKind = "list"
	KindTemplate     MessageKind = "template"
)

// Direction of a stored message relative to the bot.
type Direction string

// Directions.
const (
	DirectionInbound  Direction = "in"
	DirectionOutbound Direction = "out"
)

// InboundMessage is a normalized customer message.
type InboundMessage struct {
	ID              string      `json:"id"`
	CorrespondentID string      `json:"correspondent_id"`
	Text            string      `json:"text"`
	Kind            MessageKind `json:"kind"`
	Timestamp       time.Time   `json:"timestamp"`
	DisplayName     string      `json:"display_name,omitempty"`
}

// OutboundMessage is a message the bot delivered to a correspondent.
type OutboundMessage struct {
	ID              string    `json:"id"`
	CorrespondentID string    `json:"correspondent_id"`
	Text            string    `json:"text"`
	Timestamp       time.Time `json:"timestamp"`
}

// StoredMessage is an inbox record persisted by the conversational engine.
type StoredMessage struct {
	ID              string      `json:"id"`
	GatewayID       string      `json:"gateway_id,omitempty"`
	CorrespondentID string      `json:"correspondent_id"`
	Direction       Direction   `json:"direction"`
	Kind            MessageKind `json:"kind,omitempty"`
	Text            string      `json:"text"`
	DisplayName     string      `json:"display_name,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Package advisory holds the per-call advisory message store and the
// publishing paths that carry its state to UI observers and persistence.
package advisory

import (
	"time"

	"github.com/google/uuid"
)

type Category string

const (
	CategorySuggestion Category = "suggestion"
	CategoryAlert      Category = "alert"
	CategoryInfo       Category = "info"
	CategoryAction     Category = "action"
)

// ParseCategory accepts a known category or "" (no filter).
func ParseCategory(s string) (Category, bool) {
	switch c := Category(s); c {
	case "", CategorySuggestion, CategoryAlert, CategoryInfo, CategoryAction:
		return c, true
	}
	return "", false
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

type Role string

const (
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one advisory shown to the agent. Messages are immutable once
// appended to a Store.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Category  Category  `json:"category"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
	Processed bool      `json:"processed"`
}

// NewMessage stamps an assistant advisory with a fresh ID and the current time.
func NewMessage(content string, category Category, priority Priority) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   content,
		Category:  category,
		Priority:  priority,
		Timestamp: time.Now().UTC(),
		Processed: true,
	}
}

// Package conversation keeps per-(user, listing) chat history and the
// bargaining-turn counter consumed by the reply pipeline.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var ErrInvalidKey = errors.New("conversation key requires user and listing id")

// Key identifies one conversation. Both parts are opaque.
type Key struct {
	UserID    string
	ListingID string
}

func (k Key) String() string { return k.UserID + ":" + k.ListingID }

func (k Key) validate() error {
	if strings.TrimSpace(k.UserID) == "" || strings.TrimSpace(k.ListingID) == "" {
		return ErrInvalidKey
	}
	return nil
}

type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is a point-in-time snapshot of one conversation.
type Record struct {
	Key          Key
	Turns        []Turn
	BargainCount int
	CreatedAt    time.Time
}

// Store is the conversation context shared across reconnects. Turns are
// append-only and the bargain counter never decreases.
type Store interface {
	GetOrCreate(ctx context.Context, key Key) (Record, error)
	Append(ctx context.Context, key Key, role Role, text string) error
	History(ctx context.Context, key Key) ([]Turn, error)
	IncrementBargain(ctx context.Context, key Key) (int, error)
	BargainCount(ctx context.Context, key Key) (int, error)
	Close() error
}

// Open builds the store selected by driver ("memory" or "sqlite").
func Open(driver, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("sqlite conversation store requires a path")
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown conversation store driver %q", driver)
	}
}

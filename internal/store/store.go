// Package store persists bots, users, and message history.
//
// Two drivers exist: an in-memory driver (default, process-lifetime only)
// and a sqlite driver for state that should survive restarts. Both are
// constructed through Open and injected into the services that need them;
// nothing in this repo keeps package-level state.
package store

import (
	"context"
	"errors"

	"herald/internal/domain"
)

var ErrBotNotFound = errors.New("bot not found")

// Store is the persistence API used by the services.
//
// ReplaceUsers swaps the whole user set for a bot in one step so readers
// never observe a partially merged roster. AppendMessage assigns ids that
// increase monotonically in insertion order.
type Store interface {
	SaveBot(ctx context.Context, bot domain.Bot) error
	GetBot(ctx context.Context, id string) (domain.Bot, error)
	GetBotByToken(ctx context.Context, token string) (domain.Bot, error)
	ListBots(ctx context.Context) ([]domain.Bot, error)

	ReplaceUsers(ctx context.Context, botID string, users []domain.User) error
	UsersByBot(ctx context.Context, botID string) ([]domain.User, error)

	AppendMessage(ctx context.Context, rec domain.MessageRecord) (domain.MessageRecord, error)
	MessagesByBot(ctx context.Context, botID string) ([]domain.MessageRecord, error)

	Close() error
}

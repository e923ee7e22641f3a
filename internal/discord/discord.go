// Package discord wraps the Discord REST API behind a small client
// interface so the services above it can be tested against fakes.
//
// Error taxonomy
//
// Calls that Discord itself rejected return *APIError carrying the upstream
// HTTP status; anything else (DNS, timeouts, connection resets) comes back
// as an ordinary error. Callers that keep processing other items on failure
// rely on this split to report "Discord rejected this" separately from
// "we couldn't reach Discord".
package discord

import (
	"context"
	"fmt"

	"herald/internal/domain"
)

// Client is the REST surface herald needs from Discord.
type Client interface {
	// ValidateToken checks a bot token and returns the bot identity it
	// belongs to. The returned Bot carries the token.
	ValidateToken(ctx context.Context, token string) (domain.Bot, error)
	// ListGuilds returns the guilds the bot is a member of.
	ListGuilds(ctx context.Context, token string) ([]domain.Guild, error)
	// ListGuildMembers pages through a guild's members until an empty page
	// or limit entries, whichever comes first.
	ListGuildMembers(ctx context.Context, token, guildID string, limit int) ([]domain.Member, error)
	// SendDirectMessage opens (or finds) a DM channel to userID and posts
	// content into it, returning the sent message id.
	SendDirectMessage(ctx context.Context, token, userID, content string) (string, error)
}

// APIError is an upstream rejection: Discord answered with a non-success
// HTTP status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord: %s (status %d)", e.Message, e.Status)
}

// memberPageSize is the page size Discord allows for the guild members
// listing endpoint.
const memberPageSize = 100

// collectMembers drives cursor pagination over fetch. The cursor is the
// last-seen member's user id. Termination is bounded: an empty or short
// page, limit accumulated entries, or a cursor that failed to advance
// (a misbehaving upstream repeating the last page) all stop the loop.
func collectMembers(limit int, fetch func(after string, pageSize int) ([]domain.Member, error)) ([]domain.Member, error) {
	var (
		out   []domain.Member
		after string
	)
	for len(out) < limit {
		page, err := fetch(after, memberPageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		next := page[len(page)-1].UserID
		if next == after {
			break
		}
		after = next
		if len(page) < memberPageSize {
			break
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

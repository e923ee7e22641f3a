package store

import (
	"context"
	"sort"
	"sync"

	"herald/internal/domain"
)

// Memory is the in-memory store driver.
type Memory struct {
	mu     sync.RWMutex
	bots   map[string]domain.Bot
	users  map[string][]domain.User // keyed by bot id, pre-sorted
	msgs   []domain.MessageRecord
	nextID int64
}

func NewMemory() *Memory {
	return &Memory{
		bots:   make(map[string]domain.Bot),
		users:  make(map[string][]domain.User),
		nextID: 1,
	}
}

func (m *Memory) SaveBot(_ context.Context, bot domain.Bot) error {
	m.mu.Lock()
	m.bots[bot.ID] = bot
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetBot(_ context.Context, id string) (domain.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bot, ok := m.bots[id]
	if !ok {
		return domain.Bot{}, ErrBotNotFound
	}
	return bot, nil
}

func (m *Memory) GetBotByToken(_ context.Context, token string) (domain.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, bot := range m.bots {
		if bot.Token == token {
			return bot, nil
		}
	}
	return domain.Bot{}, ErrBotNotFound
}

func (m *Memory) ListBots(_ context.Context) ([]domain.Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Bot, 0, len(m.bots))
	for _, bot := range m.bots {
		out = append(out, bot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ReplaceUsers(_ context.Context, botID string, users []domain.User) error {
	cp := append([]domain.User(nil), users...)
	sortUsers(cp)
	m.mu.Lock()
	m.users[botID] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) UsersByBot(_ context.Context, botID string) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.User(nil), m.users[botID]...), nil
}

func (m *Memory) AppendMessage(_ context.Context, rec domain.MessageRecord) (domain.MessageRecord, error) {
	m.mu.Lock()
	rec.ID = m.nextID
	m.nextID++
	m.msgs = append(m.msgs, rec)
	m.mu.Unlock()
	return rec, nil
}

func (m *Memory) MessagesByBot(_ context.Context, botID string) ([]domain.MessageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.MessageRecord
	for _, rec := range m.msgs {
		if rec.BotID == botID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func sortUsers(users []domain.User) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].Username != users[j].Username {
			return users[i].Username < users[j].Username
		}
		return users[i].ID < users[j].ID
	})
}

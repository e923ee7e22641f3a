// Package dispatch sends one message to many recipients with pacing.
//
// Dispatch is strictly sequential: the configured delay must elapse
// between consecutive sends, which is the whole point — pacing is the
// anti-rate-limit mechanism, so parallel sends would defeat it. Every
// recipient is attempted exactly once; individual failures never abort
// the batch. Batches can be cancelled mid-flight: no new sends are
// issued, but results for work already done are still reported.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"herald/internal/discord"
	"herald/internal/domain"
	"herald/internal/store"
)

type Config struct {
	// MaxDelay caps the caller-supplied inter-message delay.
	MaxDelay time.Duration
	// StatusTTL controls how long finished batch statuses stay queryable.
	StatusTTL time.Duration
}

// Status is a point-in-time snapshot of one batch.
type Status struct {
	ID        string    `json:"id"`
	BotID     string    `json:"botId"`
	Total     int       `json:"total"`
	Done      int       `json:"done"`
	Succeeded int       `json:"succeeded"`
	Running   bool      `json:"running"`
	Cancelled bool      `json:"cancelled"`
	CreatedAt time.Time `json:"createdAt"`
	DoneAt    time.Time `json:"doneAt,omitzero"`
}

// Result is what the caller of Run gets back once the batch finishes.
type Result struct {
	BatchID   string
	Message   string
	Outcomes  []domain.SendOutcome
	Succeeded int
	Cancelled bool
}

type Service struct {
	client discord.Client
	store  store.Store
	log    *slog.Logger

	mu  sync.Mutex
	cfg Config

	statusMu sync.RWMutex
	status   map[string]*Status
	cancels  map[string]context.CancelFunc

	runCtx context.Context
	cancel context.CancelFunc
}

func New(cfg Config, client discord.Client, st store.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = time.Hour
	}
	return &Service{
		client:  client,
		store:   st,
		log:     log.With(slog.String("comp", "dispatch")),
		cfg:     cfg,
		status:  make(map[string]*Status),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
}

func (s *Service) Stop(context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.runCtx = nil
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Service) Apply(cfg Config) {
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = time.Hour
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Run dispatches content to userIDs in order and blocks until the batch
// finishes or is cancelled. The batch lifetime is tied to the service,
// not the caller's request: a dropped HTTP client does not abort sends
// already in flight, only CancelBatch (or service shutdown) does.
func (s *Service) Run(_ context.Context, bot domain.Bot, userIDs []string, content string, delay time.Duration) (*Result, error) {
	if len(userIDs) == 0 {
		return nil, errors.New("no recipients")
	}
	if content == "" {
		return nil, errors.New("empty content")
	}

	s.mu.Lock()
	cfg := s.cfg
	base := s.runCtx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	if delay < 0 {
		delay = 0
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	now := time.Now()
	id := fmt.Sprintf("batch:%d", now.UnixNano())
	batchCtx, cancelBatch := context.WithCancel(base)
	defer cancelBatch()

	s.pruneStatus(now, cfg.StatusTTL)
	st := &Status{ID: id, BotID: bot.ID, Total: len(userIDs), Running: true, CreatedAt: now}
	s.statusMu.Lock()
	s.status[id] = st
	s.cancels[id] = cancelBatch
	s.statusMu.Unlock()

	s.log.Info("batch started",
		slog.String("batch", id), slog.String("bot", bot.ID),
		slog.Int("recipients", len(userIDs)), slog.Duration("delay", delay))

	outcomes := make([]domain.SendOutcome, 0, len(userIDs))
	succeeded := 0
	cancelled := false

	for i, userID := range userIDs {
		if i > 0 && delay > 0 {
			if !sleep(batchCtx, delay) {
				cancelled = true
				break
			}
		}
		if batchCtx.Err() != nil {
			cancelled = true
			break
		}

		_, err := s.client.SendDirectMessage(batchCtx, bot.Token, userID, content)
		outcome := domain.SendOutcome{UserID: userID, Success: err == nil}
		if err != nil {
			outcome.Details = failureDetails(err)
			s.log.Warn("send failed", slog.String("batch", id), slog.String("user", userID), slog.Any("err", err))
		} else {
			succeeded++
		}
		outcomes = append(outcomes, outcome)

		s.statusMu.Lock()
		st.Done++
		st.Succeeded = succeeded
		s.statusMu.Unlock()
	}

	msg := fmt.Sprintf("Sent messages to %d out of %d users", succeeded, len(userIDs))

	// History must be recorded even when the batch context is already
	// cancelled.
	histCtx := context.WithoutCancel(batchCtx)
	if _, err := s.store.AppendMessage(histCtx, domain.MessageRecord{
		BotID:          bot.ID,
		Content:        content,
		SentAt:         time.Now().UTC(),
		RecipientCount: succeeded,
	}); err != nil {
		s.log.Warn("recording batch history failed", slog.String("batch", id), slog.Any("err", err))
	}

	s.statusMu.Lock()
	st.Running = false
	st.Cancelled = cancelled
	st.DoneAt = time.Now()
	delete(s.cancels, id)
	s.statusMu.Unlock()

	if cancelled {
		s.log.Warn("batch cancelled",
			slog.String("batch", id), slog.Int("attempted", len(outcomes)), slog.Int("succeeded", succeeded))
	} else {
		s.log.Info("batch finished",
			slog.String("batch", id), slog.Int("succeeded", succeeded), slog.Int("total", len(userIDs)))
	}

	return &Result{
		BatchID:   id,
		Message:   msg,
		Outcomes:  outcomes,
		Succeeded: succeeded,
		Cancelled: cancelled,
	}, nil
}

// CancelBatch stops a running batch before its next send. Reports whether
// a running batch with that id existed.
func (s *Service) CancelBatch(id string) bool {
	s.statusMu.Lock()
	cancel, ok := s.cancels[id]
	s.statusMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Status returns a snapshot of a batch, if known.
func (s *Service) Status(id string) (Status, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

func (s *Service) pruneStatus(now time.Time, ttl time.Duration) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for id, st := range s.status {
		if !st.Running && !st.DoneAt.IsZero() && now.Sub(st.DoneAt) > ttl {
			delete(s.status, id)
		}
	}
}

// sleep waits for d or until ctx is done; reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tmr.C:
		return true
	}
}

// failureDetails shapes an error for the per-recipient result payload,
// keeping the upstream HTTP status separate from transport failures.
func failureDetails(err error) map[string]any {
	var apiErr *discord.APIError
	if errors.As(err, &apiErr) {
		return map[string]any{"status": apiErr.Status, "message": apiErr.Message}
	}
	return map[string]any{"message": err.Error()}
}

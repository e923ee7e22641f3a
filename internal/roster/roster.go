// Package roster keeps the per-bot member cache fresh.
//
// Reads are served straight from the store; every read also kicks off a
// background refresh so the next read is newer. Refreshes fan out across
// guilds in parallel, merge members into one deduplicated set, and commit
// the result with a single atomic swap. A per-bot generation counter makes
// sure a slow old refresh can never clobber the result of a newer one.
package roster

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"herald/internal/discord"
	"herald/internal/domain"
	"herald/internal/store"
)

type Config struct {
	// MemberLimit bounds how many members are fetched per guild.
	MemberLimit int
	// Parallelism bounds concurrent per-guild member fetches.
	Parallelism int
	// RefreshSchedule is an optional cron spec for refreshing every known
	// bot's roster periodically. Empty disables the schedule.
	RefreshSchedule string
}

type Service struct {
	client discord.Client
	store  store.Store
	log    *slog.Logger

	mu  sync.Mutex
	cfg Config
	gen map[string]uint64

	cron  *cron.Cron
	entry cron.EntryID

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, client discord.Client, st store.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MemberLimit <= 0 {
		cfg.MemberLimit = 1000
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Service{
		client: client,
		store:  st,
		log:    log.With(slog.String("comp", "roster")),
		cfg:    cfg,
		gen:    make(map[string]uint64),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.runCtx != nil {
		s.mu.Unlock()
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	cfg := s.cfg
	s.mu.Unlock()
	s.applySchedule(cfg.RefreshSchedule)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	cr := s.cron
	s.cron = nil
	s.cancel = nil
	s.runCtx = nil
	s.mu.Unlock()

	if cr != nil {
		cr.Stop()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Apply updates limits and the refresh schedule at runtime.
func (s *Service) Apply(cfg Config) {
	if cfg.MemberLimit <= 0 {
		cfg.MemberLimit = 1000
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	s.mu.Lock()
	running := s.runCtx != nil
	s.cfg = cfg
	s.mu.Unlock()
	if running {
		s.applySchedule(cfg.RefreshSchedule)
	}
}

func (s *Service) applySchedule(spec string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	if spec == "" {
		return
	}
	c := cron.New()
	id, err := c.AddFunc(spec, s.refreshAll)
	if err != nil {
		s.log.Warn("invalid refresh schedule", slog.String("spec", spec), slog.Any("err", err))
		return
	}
	s.cron = c
	s.entry = id
	c.Start()
	s.log.Info("roster refresh scheduled", slog.String("spec", spec))
}

// FetchUsers returns the cached roster for botID immediately and kicks off
// a background refresh. The first call for a bot typically returns an
// empty list; the refresh fills the cache for subsequent reads.
func (s *Service) FetchUsers(ctx context.Context, botID string) ([]domain.User, error) {
	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	users, err := s.store.UsersByBot(ctx, botID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.refresh(runCtx, bot)
	}()

	return users, nil
}

// CachedUsers reads the store without triggering a refresh.
func (s *Service) CachedUsers(ctx context.Context, botID string) ([]domain.User, error) {
	if _, err := s.store.GetBot(ctx, botID); err != nil {
		return nil, err
	}
	return s.store.UsersByBot(ctx, botID)
}

// refreshAll is the cron entry point: refresh every known bot sequentially.
func (s *Service) refreshAll() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	bots, err := s.store.ListBots(ctx)
	if err != nil {
		s.log.Warn("scheduled refresh: listing bots failed", slog.Any("err", err))
		return
	}
	for _, bot := range bots {
		s.refresh(ctx, bot)
	}
}

// refresh fetches, merges, and commits the roster for one bot. It is
// best-effort and invisible to whatever triggered it: all failures are
// logged, never propagated, and a single bad guild does not abort the
// others.
func (s *Service) refresh(ctx context.Context, bot domain.Bot) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("roster refresh panicked",
				slog.String("bot", bot.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	gen := s.nextGen(bot.ID)

	s.mu.Lock()
	memberLimit := s.cfg.MemberLimit
	parallelism := s.cfg.Parallelism
	s.mu.Unlock()

	guilds, err := s.client.ListGuilds(ctx, bot.Token)
	if err != nil {
		s.log.Warn("roster refresh: listing guilds failed", slog.String("bot", bot.ID), slog.Any("err", err))
		return
	}

	var (
		mergedMu sync.Mutex
		merged   = make(map[string]domain.User)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, guild := range guilds {
		g.Go(func() error {
			members, err := s.client.ListGuildMembers(gctx, bot.Token, guild.ID, memberLimit)
			if err != nil {
				// Skip this guild, keep the rest.
				s.log.Warn("roster refresh: guild members failed",
					slog.String("bot", bot.ID), slog.String("guild", guild.ID), slog.Any("err", err))
				return nil
			}
			mergedMu.Lock()
			defer mergedMu.Unlock()
			for _, m := range members {
				if m.Bot {
					continue
				}
				merged[m.UserID] = domain.User{
					ID:          m.UserID,
					Username:    m.Username,
					DisplayName: displayName(m),
					AvatarURL:   m.AvatarURL,
					Status:      "online",
					BotID:       bot.ID,
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.currentGen(bot.ID) != gen {
		s.log.Debug("roster refresh superseded, discarding", slog.String("bot", bot.ID), slog.Uint64("gen", gen))
		return
	}

	users := make([]domain.User, 0, len(merged))
	for _, u := range merged {
		users = append(users, u)
	}
	if err := s.store.ReplaceUsers(ctx, bot.ID, users); err != nil {
		s.log.Warn("roster refresh: committing users failed", slog.String("bot", bot.ID), slog.Any("err", err))
		return
	}
	s.log.Info("roster refreshed",
		slog.String("bot", bot.ID),
		slog.Int("guilds", len(guilds)),
		slog.Int("users", len(users)),
	)
}

// displayName picks, in order: guild nickname, global display name, raw
// username.
func displayName(m domain.Member) string {
	if m.Nick != "" {
		return m.Nick
	}
	if m.GlobalName != "" {
		return m.GlobalName
	}
	return m.Username
}

func (s *Service) nextGen(botID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen[botID]++
	return s.gen[botID]
}

func (s *Service) currentGen(botID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen[botID]
}

package discord

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"herald/internal/domain"
)

type Config struct {
	// RequestsPerSec paces outgoing REST calls across all tokens. Discord
	// applies its own rate limits on top; this keeps herald well under them
	// during bulk operations. <= 0 disables client-side pacing.
	RequestsPerSec int
	// RequestTimeout bounds each REST call. 0 means no extra deadline.
	RequestTimeout time.Duration
}

// RESTClient implements Client on top of discordgo sessions. Sessions are
// pure REST here: they are never opened as gateway connections, so one
// cached session per token is cheap.
type RESTClient struct {
	log     *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	limiter  *rate.Limiter
	sessions map[string]*discordgo.Session
}

func NewRESTClient(cfg Config, log *slog.Logger) *RESTClient {
	if log == nil {
		log = slog.Default()
	}
	c := &RESTClient{
		log:      log.With(slog.String("comp", "discord")),
		timeout:  cfg.RequestTimeout,
		sessions: make(map[string]*discordgo.Session),
	}
	c.Apply(cfg)
	return c
}

// Apply updates the pacing knobs; safe at runtime.
func (c *RESTClient) Apply(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = cfg.RequestTimeout
	if cfg.RequestsPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestsPerSec)
	} else {
		c.limiter = nil
	}
}

func (c *RESTClient) session(token string) (*discordgo.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[token]; ok {
		return s, nil
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	c.sessions[token] = s
	return s, nil
}

// wait applies client-side pacing and the per-call deadline.
func (c *RESTClient) wait(ctx context.Context) (context.Context, context.CancelFunc, error) {
	c.mu.Lock()
	lim := c.limiter
	timeout := c.timeout
	c.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}
	if timeout > 0 {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		return cctx, cancel, nil
	}
	return ctx, func() {}, nil
}

func (c *RESTClient) ValidateToken(ctx context.Context, token string) (domain.Bot, error) {
	s, err := c.session(token)
	if err != nil {
		return domain.Bot{}, err
	}
	cctx, cancel, err := c.wait(ctx)
	if err != nil {
		return domain.Bot{}, err
	}
	defer cancel()

	me, err := s.User("@me", discordgo.WithContext(cctx))
	if err != nil {
		return domain.Bot{}, wrapErr(err)
	}
	return domain.Bot{
		ID:        me.ID,
		Username:  me.Username,
		Token:     token,
		AvatarURL: avatarURL(me.ID, me.Avatar),
	}, nil
}

func (c *RESTClient) ListGuilds(ctx context.Context, token string) ([]domain.Guild, error) {
	s, err := c.session(token)
	if err != nil {
		return nil, err
	}
	cctx, cancel, err := c.wait(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	guilds, err := s.UserGuilds(200, "", "", false, discordgo.WithContext(cctx))
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]domain.Guild, 0, len(guilds))
	for _, g := range guilds {
		out = append(out, domain.Guild{ID: g.ID, Name: g.Name})
	}
	return out, nil
}

func (c *RESTClient) ListGuildMembers(ctx context.Context, token, guildID string, limit int) ([]domain.Member, error) {
	s, err := c.session(token)
	if err != nil {
		return nil, err
	}
	return collectMembers(limit, func(after string, pageSize int) ([]domain.Member, error) {
		cctx, cancel, err := c.wait(ctx)
		if err != nil {
			return nil, err
		}
		defer cancel()

		page, err := s.GuildMembers(guildID, after, pageSize, discordgo.WithContext(cctx))
		if err != nil {
			return nil, wrapErr(err)
		}
		out := make([]domain.Member, 0, len(page))
		for _, m := range page {
			if m.User == nil {
				continue
			}
			out = append(out, domain.Member{
				UserID:     m.User.ID,
				Username:   m.User.Username,
				GlobalName: m.User.GlobalName,
				Nick:       m.Nick,
				AvatarURL:  avatarURL(m.User.ID, m.User.Avatar),
				Bot:        m.User.Bot,
			})
		}
		return out, nil
	})
}

func (c *RESTClient) SendDirectMessage(ctx context.Context, token, userID, content string) (string, error) {
	s, err := c.session(token)
	if err != nil {
		return "", err
	}

	// Two sequential calls; a failed channel open short-circuits the send.
	cctx, cancel, err := c.wait(ctx)
	if err != nil {
		return "", err
	}
	ch, err := s.UserChannelCreate(userID, discordgo.WithContext(cctx))
	cancel()
	if err != nil {
		return "", wrapErr(err)
	}

	cctx, cancel, err = c.wait(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	msg, err := s.ChannelMessageSend(ch.ID, content, discordgo.WithContext(cctx))
	if err != nil {
		return "", wrapErr(err)
	}
	return msg.ID, nil
}

// wrapErr converts discordgo REST failures into *APIError; transport-level
// errors pass through unchanged.
func wrapErr(err error) error {
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		msg := http.StatusText(status)
		if rerr.Message != nil && rerr.Message.Message != "" {
			msg = rerr.Message.Message
		}
		return &APIError{Status: status, Message: msg}
	}
	return err
}

func avatarURL(userID, avatarHash string) string {
	if avatarHash == "" {
		return ""
	}
	return discordgo.EndpointUserAvatar(userID, avatarHash)
}

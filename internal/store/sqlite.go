package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"herald/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS bots (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	token      TEXT NOT NULL,
	avatar_url TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS users (
	id           TEXT NOT NULL,
	bot_id       TEXT NOT NULL,
	username     TEXT NOT NULL,
	display_name TEXT NOT NULL,
	avatar_url   TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (bot_id, id)
);

CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	bot_id          TEXT NOT NULL,
	content         TEXT NOT NULL,
	sent_at         TEXT NOT NULL,
	recipient_count INTEGER NOT NULL DEFAULT 0,
	is_reply        INTEGER NOT NULL DEFAULT 0,
	sender_id       TEXT NOT NULL DEFAULT '',
	sender_username TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_messages_bot ON messages(bot_id);
`

type sqliteStore struct {
	db  *sqlx.DB
	log *slog.Logger
}

func openSQLite(cfg Config, log *slog.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Connect("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", slog.String("path", cfg.Path))
	return &sqliteStore{db: db, log: log}, nil
}

type botRow struct {
	ID        string `db:"id"`
	Username  string `db:"username"`
	Token     string `db:"token"`
	AvatarURL string `db:"avatar_url"`
}

func (r botRow) domain() domain.Bot {
	return domain.Bot{ID: r.ID, Username: r.Username, Token: r.Token, AvatarURL: r.AvatarURL}
}

type userRow struct {
	ID          string `db:"id"`
	BotID       string `db:"bot_id"`
	Username    string `db:"username"`
	DisplayName string `db:"display_name"`
	AvatarURL   string `db:"avatar_url"`
	Status      string `db:"status"`
}

type messageRow struct {
	ID             int64  `db:"id"`
	BotID          string `db:"bot_id"`
	Content        string `db:"content"`
	SentAt         string `db:"sent_at"`
	RecipientCount int    `db:"recipient_count"`
	IsReply        int    `db:"is_reply"`
	SenderID       string `db:"sender_id"`
	SenderUsername string `db:"sender_username"`
}

func (s *sqliteStore) SaveBot(ctx context.Context, bot domain.Bot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bots(id, username, token, avatar_url) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET username=excluded.username, token=excluded.token, avatar_url=excluded.avatar_url`,
		bot.ID, bot.Username, bot.Token, bot.AvatarURL,
	)
	return err
}

func (s *sqliteStore) GetBot(ctx context.Context, id string) (domain.Bot, error) {
	var r botRow
	err := s.db.GetContext(ctx, &r, `SELECT id, username, token, avatar_url FROM bots WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bot{}, ErrBotNotFound
	}
	if err != nil {
		return domain.Bot{}, err
	}
	return r.domain(), nil
}

func (s *sqliteStore) GetBotByToken(ctx context.Context, token string) (domain.Bot, error) {
	var r botRow
	err := s.db.GetContext(ctx, &r, `SELECT id, username, token, avatar_url FROM bots WHERE token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bot{}, ErrBotNotFound
	}
	if err != nil {
		return domain.Bot{}, err
	}
	return r.domain(), nil
}

func (s *sqliteStore) ListBots(ctx context.Context) ([]domain.Bot, error) {
	var rows []botRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, username, token, avatar_url FROM bots ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]domain.Bot, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.domain())
	}
	return out, nil
}

func (s *sqliteStore) ReplaceUsers(ctx context.Context, botID string, users []domain.User) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE bot_id = ?`, botID); err != nil {
		return err
	}
	for _, u := range users {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users(id, bot_id, username, display_name, avatar_url, status) VALUES(?,?,?,?,?,?)`,
			u.ID, botID, u.Username, u.DisplayName, u.AvatarURL, u.Status,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) UsersByBot(ctx context.Context, botID string) ([]domain.User, error) {
	var rows []userRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, bot_id, username, display_name, avatar_url, status FROM users WHERE bot_id = ? ORDER BY username, id`, botID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.User, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.User{
			ID:          r.ID,
			BotID:       r.BotID,
			Username:    r.Username,
			DisplayName: r.DisplayName,
			AvatarURL:   r.AvatarURL,
			Status:      r.Status,
		})
	}
	return out, nil
}

func (s *sqliteStore) AppendMessage(ctx context.Context, rec domain.MessageRecord) (domain.MessageRecord, error) {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}
	reply := 0
	if rec.Reply {
		reply = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(bot_id, content, sent_at, recipient_count, is_reply, sender_id, sender_username)
		 VALUES(?,?,?,?,?,?,?)`,
		rec.BotID, rec.Content, rec.SentAt.Format(time.RFC3339Nano), rec.RecipientCount, reply, rec.SenderID, rec.SenderUsername,
	)
	if err != nil {
		return domain.MessageRecord{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.MessageRecord{}, err
	}
	rec.ID = id
	return rec, nil
}

func (s *sqliteStore) MessagesByBot(ctx context.Context, botID string) ([]domain.MessageRecord, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, bot_id, content, sent_at, recipient_count, is_reply, sender_id, sender_username
		 FROM messages WHERE bot_id = ? ORDER BY id`, botID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.MessageRecord, 0, len(rows))
	for _, r := range rows {
		sentAt, err := time.Parse(time.RFC3339Nano, r.SentAt)
		if err != nil {
			s.log.Warn("bad sent_at in messages row", slog.Int64("id", r.ID), slog.String("raw", r.SentAt))
		}
		out = append(out, domain.MessageRecord{
			ID:             r.ID,
			BotID:          r.BotID,
			Content:        r.Content,
			SentAt:         sentAt,
			RecipientCount: r.RecipientCount,
			Reply:          r.IsReply != 0,
			SenderID:       r.SenderID,
			SenderUsername: r.SenderUsername,
		})
	}
	return out, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"herald/internal/discord"
	"herald/internal/domain"
	"herald/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// sendFunc lets each test script the adapter's send behavior.
type sendFunc func(ctx context.Context, userID string) error

type fakeClient struct {
	mu    sync.Mutex
	sent  []string
	send  sendFunc
	began chan string // receives each userID as its send starts, if non-nil
}

func (f *fakeClient) ValidateToken(context.Context, string) (domain.Bot, error) {
	return domain.Bot{}, errors.New("not implemented")
}
func (f *fakeClient) ListGuilds(context.Context, string) ([]domain.Guild, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) ListGuildMembers(context.Context, string, string, int) ([]domain.Member, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) SendDirectMessage(ctx context.Context, _, userID, _ string) (string, error) {
	f.mu.Lock()
	f.sent = append(f.sent, userID)
	f.mu.Unlock()
	if f.began != nil {
		f.began <- userID
	}
	if f.send != nil {
		if err := f.send(ctx, userID); err != nil {
			return "", err
		}
	}
	return "M1", nil
}

func (f *fakeClient) sentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newService(t *testing.T, fc *fakeClient, cfg Config) (*Service, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	svc := New(cfg, fc, st, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		svc.Stop(context.Background())
		cancel()
	})
	return svc, st
}

var bot = domain.Bot{ID: "B1", Token: "T1"}

func TestRunAttemptsEveryRecipientOnce(t *testing.T) {
	fc := &fakeClient{send: func(_ context.Context, userID string) error {
		if userID == "U2" {
			return &discord.APIError{Status: http.StatusForbidden, Message: "Cannot send messages to this user"}
		}
		return nil
	}}
	svc, st := newService(t, fc, Config{})

	res, err := svc.Run(context.Background(), bot, []string{"U1", "U2"}, "hi", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Outcomes) != 2 {
		t.Fatalf("outcomes = %+v", res.Outcomes)
	}
	if !res.Outcomes[0].Success || res.Outcomes[0].UserID != "U1" {
		t.Fatalf("U1 outcome = %+v", res.Outcomes[0])
	}
	if res.Outcomes[1].Success || res.Outcomes[1].UserID != "U2" {
		t.Fatalf("U2 outcome = %+v", res.Outcomes[1])
	}
	if res.Outcomes[1].Details["status"] != http.StatusForbidden {
		t.Fatalf("U2 details = %+v", res.Outcomes[1].Details)
	}
	if res.Message != "Sent messages to 1 out of 2 users" {
		t.Fatalf("aggregate message = %q", res.Message)
	}

	// One aggregate history record with the success count.
	msgs, _ := st.MessagesByBot(context.Background(), "B1")
	if len(msgs) != 1 || msgs[0].RecipientCount != 1 || msgs[0].Content != "hi" {
		t.Fatalf("history = %+v", msgs)
	}
}

func TestRunPreservesOrderAndPacing(t *testing.T) {
	fc := &fakeClient{}
	svc, _ := newService(t, fc, Config{})

	const delay = 30 * time.Millisecond
	ids := []string{"U1", "U2", "U3", "U4"}
	start := time.Now()
	res, err := svc.Run(context.Background(), bot, ids, "hi", delay)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	elapsed := time.Since(start)
	if min := time.Duration(len(ids)-1) * delay; elapsed < min {
		t.Fatalf("elapsed %v < (n-1)*delay %v", elapsed, min)
	}
	if len(res.Outcomes) != len(ids) {
		t.Fatalf("outcomes = %d, want %d", len(res.Outcomes), len(ids))
	}
	sent := fc.sentIDs()
	for i, id := range ids {
		if sent[i] != id {
			t.Fatalf("send order = %v, want %v", sent, ids)
		}
	}
}

func TestRunTransportFailureDetails(t *testing.T) {
	fc := &fakeClient{send: func(context.Context, string) error {
		return errors.New("connection refused")
	}}
	svc, _ := newService(t, fc, Config{})

	res, err := svc.Run(context.Background(), bot, []string{"U1"}, "hi", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	d := res.Outcomes[0].Details
	if _, hasStatus := d["status"]; hasStatus {
		t.Fatalf("transport failure must not carry an HTTP status: %+v", d)
	}
	if d["message"] != "connection refused" {
		t.Fatalf("details = %+v", d)
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	svc, _ := newService(t, &fakeClient{}, Config{})
	if _, err := svc.Run(context.Background(), bot, nil, "hi", 0); err == nil {
		t.Fatal("expected error for empty recipient list")
	}
	if _, err := svc.Run(context.Background(), bot, []string{"U1"}, "", 0); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestRunClampsDelay(t *testing.T) {
	fc := &fakeClient{}
	svc, _ := newService(t, fc, Config{MaxDelay: 10 * time.Millisecond})

	start := time.Now()
	if _, err := svc.Run(context.Background(), bot, []string{"U1", "U2"}, "hi", time.Hour); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("delay was not clamped, took %v", elapsed)
	}
}

func TestCancelBatchStopsNewSends(t *testing.T) {
	fc := &fakeClient{began: make(chan string, 3)}
	svc, st := newService(t, fc, Config{})

	type outcome struct {
		res *Result
		err error
	}
	resCh := make(chan outcome, 1)
	go func() {
		res, err := svc.Run(context.Background(), bot, []string{"U1", "U2", "U3"}, "hi", 300*time.Millisecond)
		resCh <- outcome{res, err}
	}()

	// Wait for the first send to begin, then cancel during the pacing gap.
	first := <-fc.began
	if first != "U1" {
		t.Fatalf("first send = %q", first)
	}
	var id string
	for i := 0; i < 100; i++ {
		if batches := activeBatches(svc); len(batches) == 1 {
			id = batches[0]
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("no running batch registered")
	}
	if !svc.CancelBatch(id) {
		t.Fatal("CancelBatch reported no running batch")
	}

	got := <-resCh
	if got.err != nil {
		t.Fatalf("Run: %v", got.err)
	}
	if !got.res.Cancelled {
		t.Fatal("result should be marked cancelled")
	}
	if len(got.res.Outcomes) != 1 || got.res.Outcomes[0].UserID != "U1" {
		t.Fatalf("partial outcomes = %+v", got.res.Outcomes)
	}

	// Partial work is still recorded in history.
	msgs, _ := st.MessagesByBot(context.Background(), "B1")
	if len(msgs) != 1 || msgs[0].RecipientCount != 1 {
		t.Fatalf("history = %+v", msgs)
	}

	st2, ok := svc.Status(id)
	if !ok || st2.Running || !st2.Cancelled {
		t.Fatalf("status = %+v, %v", st2, ok)
	}
}

func activeBatches(svc *Service) []string {
	svc.statusMu.RLock()
	defer svc.statusMu.RUnlock()
	var out []string
	for id := range svc.cancels {
		out = append(out, id)
	}
	return out
}

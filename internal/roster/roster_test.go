package roster

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"herald/internal/domain"
	"herald/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClient struct {
	mu         sync.Mutex
	guilds     []domain.Guild
	members    map[string][]domain.Member
	membersErr map[string]error
	guildsErr  error

	// guildsGate, when non-nil, blocks the next ListGuilds call until closed.
	guildsGate chan struct{}
}

func (f *fakeClient) ValidateToken(context.Context, string) (domain.Bot, error) {
	return domain.Bot{}, errors.New("not implemented")
}

func (f *fakeClient) ListGuilds(context.Context, string) ([]domain.Guild, error) {
	f.mu.Lock()
	gate := f.guildsGate
	f.guildsGate = nil
	err := f.guildsErr
	guilds := append([]domain.Guild(nil), f.guilds...)
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return guilds, nil
}

func (f *fakeClient) ListGuildMembers(_ context.Context, _, guildID string, _ int) ([]domain.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.membersErr[guildID]; err != nil {
		return nil, err
	}
	return append([]domain.Member(nil), f.members[guildID]...), nil
}

func (f *fakeClient) SendDirectMessage(context.Context, string, string, string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeClient) setMembers(guildID string, members []domain.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members == nil {
		f.members = make(map[string][]domain.Member)
	}
	f.members[guildID] = members
}

func newService(t *testing.T, fc *fakeClient) (*Service, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	svc := New(Config{MemberLimit: 1000, Parallelism: 4}, fc, st, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		svc.Stop(context.Background())
		cancel()
	})
	return svc, st
}

func TestRefreshMergesAndExcludesBots(t *testing.T) {
	fc := &fakeClient{guilds: []domain.Guild{{ID: "G1"}, {ID: "G2"}}}
	fc.setMembers("G1", []domain.Member{
		{UserID: "U1", Username: "alice", Nick: "Ali"},
		{UserID: "U2", Username: "helperbot", Bot: true},
	})
	fc.setMembers("G2", []domain.Member{
		{UserID: "U1", Username: "alice", GlobalName: "Alice G"},
		{UserID: "U3", Username: "carol"},
	})
	svc, st := newService(t, fc)
	bot := domain.Bot{ID: "B1", Token: "T1"}
	if err := st.SaveBot(context.Background(), bot); err != nil {
		t.Fatalf("SaveBot: %v", err)
	}

	svc.refresh(context.Background(), bot)

	users, err := st.UsersByBot(context.Background(), "B1")
	if err != nil {
		t.Fatalf("UsersByBot: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2 (deduped, no bots): %+v", len(users), users)
	}
	byID := map[string]domain.User{}
	for _, u := range users {
		if u.BotID != "B1" {
			t.Fatalf("user %s tagged with bot %q", u.ID, u.BotID)
		}
		byID[u.ID] = u
	}
	if _, ok := byID["U2"]; ok {
		t.Fatal("bot account U2 must be excluded")
	}
	if byID["U3"].DisplayName != "carol" {
		t.Fatalf("U3 display name = %q, want username fallback", byID["U3"].DisplayName)
	}
}

func TestDisplayNamePriority(t *testing.T) {
	cases := []struct {
		m    domain.Member
		want string
	}{
		{domain.Member{Username: "u", GlobalName: "g", Nick: "n"}, "n"},
		{domain.Member{Username: "u", GlobalName: "g"}, "g"},
		{domain.Member{Username: "u"}, "u"},
	}
	for _, c := range cases {
		if got := displayName(c.m); got != c.want {
			t.Fatalf("displayName(%+v) = %q, want %q", c.m, got, c.want)
		}
	}
}

func TestRefreshSkipsFailingGuild(t *testing.T) {
	fc := &fakeClient{
		guilds:     []domain.Guild{{ID: "G1"}, {ID: "G2"}},
		membersErr: map[string]error{"G1": errors.New("status 500")},
	}
	fc.setMembers("G2", []domain.Member{{UserID: "U9", Username: "nine"}})
	svc, st := newService(t, fc)
	bot := domain.Bot{ID: "B1", Token: "T1"}
	_ = st.SaveBot(context.Background(), bot)

	svc.refresh(context.Background(), bot)

	users, _ := st.UsersByBot(context.Background(), "B1")
	if len(users) != 1 || users[0].ID != "U9" {
		t.Fatalf("one bad guild must not abort the rest, got %+v", users)
	}
}

func TestFetchUsersReturnsCacheAndRefreshes(t *testing.T) {
	fc := &fakeClient{guilds: []domain.Guild{{ID: "G1"}}}
	fc.setMembers("G1", []domain.Member{{UserID: "U1", Username: "alice"}})
	svc, st := newService(t, fc)
	_ = st.SaveBot(context.Background(), domain.Bot{ID: "B1", Token: "T1"})

	// First read: cache is empty, but the refresh has been kicked off.
	users, err := svc.FetchUsers(context.Background(), "B1")
	if err != nil {
		t.Fatalf("FetchUsers: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("first read should serve the (empty) cache, got %+v", users)
	}
	svc.wg.Wait()

	users, err = svc.CachedUsers(context.Background(), "B1")
	if err != nil {
		t.Fatalf("CachedUsers: %v", err)
	}
	if len(users) != 1 || users[0].ID != "U1" {
		t.Fatalf("after refresh, got %+v", users)
	}
}

func TestFetchUsersUnknownBot(t *testing.T) {
	svc, _ := newService(t, &fakeClient{})
	if _, err := svc.FetchUsers(context.Background(), "nope"); !errors.Is(err, store.ErrBotNotFound) {
		t.Fatalf("err = %v, want ErrBotNotFound", err)
	}
}

func TestStaleRefreshDoesNotClobberNewer(t *testing.T) {
	fc := &fakeClient{guilds: []domain.Guild{{ID: "G1"}}}
	fc.setMembers("G1", []domain.Member{{UserID: "OLD", Username: "old"}})
	svc, st := newService(t, fc)
	bot := domain.Bot{ID: "B1", Token: "T1"}
	_ = st.SaveBot(context.Background(), bot)

	// Refresh A stalls inside ListGuilds while refresh B runs to completion
	// with newer data. When A finally finishes, its generation is stale and
	// its merge must be discarded.
	gate := make(chan struct{})
	fc.mu.Lock()
	fc.guildsGate = gate
	fc.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svc.refresh(context.Background(), bot)
		close(done)
	}()
	// Give A a moment to claim its generation and park on the gate.
	time.Sleep(20 * time.Millisecond)

	fc.setMembers("G1", []domain.Member{{UserID: "NEW", Username: "new"}})
	svc.refresh(context.Background(), bot)

	// A resumes with the old member list still visible to it.
	fc.setMembers("G1", []domain.Member{{UserID: "OLD", Username: "old"}})
	close(gate)
	<-done

	users, _ := st.UsersByBot(context.Background(), "B1")
	if len(users) != 1 || users[0].ID != "NEW" {
		t.Fatalf("stale refresh clobbered newer result: %+v", users)
	}
}

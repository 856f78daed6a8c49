package policy

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/db"
	"github.com/panemux-io/panemux/internal/relay"
	"github.com/panemux-io/panemux/internal/repositories"
)

type stubUserRepo struct {
	users map[uuid.UUID]*db.User
}

func (r *stubUserRepo) Create(_ context.Context, user *db.User) error {
	r.users[user.ID] = user
	return nil
}

func (r *stubUserRepo) GetByID(_ context.Context, id uuid.UUID) (*db.User, error) {
	user, ok := r.users[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return user, nil
}

func (r *stubUserRepo) GetByEmail(context.Context, string) (*db.User, error) {
	return nil, repositories.ErrNotFound
}

func (r *stubUserRepo) GetByOIDC(context.Context, string, string) (*db.User, error) {
	return nil, repositories.ErrNotFound
}

func (r *stubUserRepo) Update(context.Context, *db.User) error { return nil }

func (r *stubUserRepo) TouchLastLogin(context.Context, uuid.UUID, time.Time) error { return nil }

type stubAgentTokenRepo struct {
	activeByUser map[uuid.UUID]int64
}

func (r *stubAgentTokenRepo) Create(context.Context, *db.AgentToken) error { return nil }

func (r *stubAgentTokenRepo) GetByHash(context.Context, string) (*db.AgentToken, error) {
	return nil, repositories.ErrNotFound
}

func (r *stubAgentTokenRepo) ListByUser(context.Context, uuid.UUID) ([]db.AgentToken, error) {
	return nil, nil
}

func (r *stubAgentTokenRepo) CountActiveByUser(_ context.Context, userID uuid.UUID) (int64, error) {
	return r.activeByUser[userID], nil
}

func (r *stubAgentTokenRepo) Revoke(context.Context, uuid.UUID, uuid.UUID) error { return nil }

func (r *stubAgentTokenRepo) TouchLastUsed(context.Context, uuid.UUID, time.Time) error { return nil }

func (r *stubAgentTokenRepo) DeleteExpired(context.Context) (int64, error) { return 0, nil }

type recordingPusher struct {
	mu     sync.Mutex
	pushed []relay.Envelope
	users  []string
}

func (p *recordingPusher) PushToUserBrowsers(userID string, env relay.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, userID)
	p.pushed = append(p.pushed, env)
}

func newTestService(t *testing.T, users *stubUserRepo, tokens *stubAgentTokenRepo) *Service {
	t.Helper()
	if users == nil {
		users = &stubUserRepo{users: make(map[uuid.UUID]*db.User)}
	}
	if tokens == nil {
		tokens = &stubAgentTokenRepo{activeByUser: make(map[uuid.UUID]int64)}
	}
	return NewService(users, tokens, 0, zap.NewNop())
}

func seedUser(repo *stubUserRepo, tier string) *db.User {
	user := &db.User{Email: tier + "@example.com", DisplayName: "Test", Tier: tier, IsActive: true}
	user.ID = uuid.New()
	repo.users[user.ID] = user
	return user
}

func TestTierInfoForFreeUser(t *testing.T) {
	users := &stubUserRepo{users: make(map[uuid.UUID]*db.User)}
	user := seedUser(users, "free")
	svc := newTestService(t, users, nil)

	raw, err := svc.TierInfoFor(user.ID.String())
	if err != nil {
		t.Fatalf("TierInfoFor: %v", err)
	}

	var info TierInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if info.Tier != "free" || info.MaxAgentTokens != DefaultFreeAgentTokenLimit {
		t.Errorf("info = %+v", info)
	}
}

func TestTierInfoForProUserUnlimited(t *testing.T) {
	users := &stubUserRepo{users: make(map[uuid.UUID]*db.User)}
	user := seedUser(users, "pro")
	svc := newTestService(t, users, nil)

	raw, err := svc.TierInfoFor(user.ID.String())
	if err != nil {
		t.Fatalf("TierInfoFor: %v", err)
	}

	var info TierInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if info.Tier != "pro" || info.MaxAgentTokens != 0 {
		t.Errorf("info = %+v, want pro with 0 (unlimited)", info)
	}
}

func TestTierInfoForBadUserID(t *testing.T) {
	svc := newTestService(t, nil, nil)
	if _, err := svc.TierInfoFor("not-a-uuid"); err == nil {
		t.Error("expected error for malformed user id")
	}
	if _, err := svc.TierInfoFor(uuid.NewString()); err == nil {
		t.Error("expected error for unknown user")
	}
}

func TestCanMintAgentToken(t *testing.T) {
	users := &stubUserRepo{users: make(map[uuid.UUID]*db.User)}
	freeUser := seedUser(users, "free")
	proUser := seedUser(users, "pro")

	tokens := &stubAgentTokenRepo{activeByUser: map[uuid.UUID]int64{
		freeUser.ID: DefaultFreeAgentTokenLimit,
		proUser.ID:  100,
	}}
	svc := newTestService(t, users, tokens)
	ctx := context.Background()

	if allowed, err := svc.CanMintAgentToken(ctx, freeUser.ID); err != nil || allowed {
		t.Errorf("free user at limit: allowed=%v err=%v, want denied", allowed, err)
	}

	tokens.activeByUser[freeUser.ID] = DefaultFreeAgentTokenLimit - 1
	if allowed, err := svc.CanMintAgentToken(ctx, freeUser.ID); err != nil || !allowed {
		t.Errorf("free user below limit: allowed=%v err=%v, want allowed", allowed, err)
	}

	if allowed, err := svc.CanMintAgentToken(ctx, proUser.ID); err != nil || !allowed {
		t.Errorf("pro user: allowed=%v err=%v, want allowed regardless of count", allowed, err)
	}
}

func TestNotifyTierLimit(t *testing.T) {
	svc := newTestService(t, nil, nil)
	userID := uuid.New()

	// No pusher wired yet: must be a no-op, not a panic.
	svc.NotifyTierLimit(userID, "agent_tokens")

	pusher := &recordingPusher{}
	svc.SetPusher(pusher)
	svc.NotifyTierLimit(userID, "agent_tokens")

	if len(pusher.pushed) != 1 {
		t.Fatalf("pushed %d envelopes, want 1", len(pusher.pushed))
	}
	if pusher.users[0] != userID.String() {
		t.Errorf("pushed to %s, want %s", pusher.users[0], userID)
	}
	env := pusher.pushed[0]
	if env.Type != relay.TypeTierLimit {
		t.Errorf("type = %s, want %s", env.Type, relay.TypeTierLimit)
	}

	var body struct {
		Limit string `json:"limit"`
		Max   int    `json:"max"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if body.Limit != "agent_tokens" || body.Max != DefaultFreeAgentTokenLimit {
		t.Errorf("body = %+v", body)
	}
}

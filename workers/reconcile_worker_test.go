package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"solgate/chain"
	"solgate/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu          sync.Mutex
	rules       map[string][]models.GatingRule
	links       map[string][]models.WalletLink
	audits      []models.AuditEntry
	touched     []string
	prunedUntil time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rules: map[string][]models.GatingRule{},
		links: map[string][]models.WalletLink{},
	}
}

func (f *fakeStore) GuildIDsWithEnabledRules(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for guildID, rules := range f.rules {
		for _, r := range rules {
			if r.Enabled {
				ids = append(ids, guildID)
				break
			}
		}
	}
	return ids, nil
}

func (f *fakeStore) EnabledRules(_ context.Context, guildID string) ([]models.GatingRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.GatingRule
	for _, r := range f.rules[guildID] {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) RulesForGuild(_ context.Context, guildID string) ([]models.GatingRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules[guildID], nil
}

func (f *fakeStore) WalletLinks(_ context.Context, guildID string) ([]models.WalletLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[guildID], nil
}

func (f *fakeStore) WalletLink(_ context.Context, guildID, userID string) (*models.WalletLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, link := range f.links[guildID] {
		if link.DiscordUserID == userID {
			copied := link
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) TouchLastChecked(_ context.Context, linkID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, linkID)
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, entry *models.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, *entry)
	return nil
}

func (f *fakeStore) AuditBefore(context.Context, time.Time) ([]models.AuditEntry, error) {
	return nil, nil
}

func (f *fakeStore) PruneAudit(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunedUntil = cutoff
	return 0, nil
}

func (f *fakeStore) auditActions() []models.AuditAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var actions []models.AuditAction
	for _, a := range f.audits {
		actions = append(actions, a.Action)
	}
	return actions
}

type fakeChat struct {
	mu           sync.Mutex
	roles        map[string][]string // user -> role ids
	unmanageable map[string]bool
	guildDown    bool
	added        [][3]string
	removed      [][3]string
}

func newFakeChat() *fakeChat {
	return &fakeChat{roles: map[string][]string{}, unmanageable: map[string]bool{}}
}

func (f *fakeChat) GuildAvailable(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.guildDown
}

func (f *fakeChat) MemberRoles(_, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.roles[userID]...), nil
}

func (f *fakeChat) CanManageRole(_, roleID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unmanageable[roleID]
}

func (f *fakeChat) AddRole(guildID, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[userID] = append(f.roles[userID], roleID)
	f.added = append(f.added, [3]string{guildID, userID, roleID})
	return nil
}

func (f *fakeChat) RemoveRole(guildID, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []string
	for _, r := range f.roles[userID] {
		if r != roleID {
			kept = append(kept, r)
		}
	}
	f.roles[userID] = kept
	f.removed = append(f.removed, [3]string{guildID, userID, roleID})
	return nil
}

type fakeHoldings struct {
	snap *chain.WalletSnapshot
	err  error
}

func (f *fakeHoldings) Snapshot(context.Context, string, chain.SnapshotOptions) (*chain.WalletSnapshot, error) {
	return f.snap, f.err
}

type fakePrices struct {
	prices map[string]decimal.Decimal
	err    error
}

func (f *fakePrices) GetUSDPrices(context.Context, []string) (map[string]decimal.Decimal, error) {
	return f.prices, f.err
}

type fakeLock struct {
	held     bool
	acquired int
	released int
}

func (f *fakeLock) TryAcquire(context.Context) bool {
	if f.held {
		return false
	}
	f.acquired++
	return true
}

func (f *fakeLock) Release(context.Context) { f.released++ }

func ptr[T any](v T) *T { return &v }

func tokenRule(guildID, roleID, mint, threshold string) models.GatingRule {
	return models.GatingRule{
		ID:              "rule-" + roleID + "-" + mint,
		GuildID:         guildID,
		RoleID:          roleID,
		RuleType:        models.RuleTokenAmount,
		Enabled:         true,
		Mint:            ptr(mint),
		ThresholdAmount: ptr(decimal.RequireFromString(threshold)),
	}
}

func tokenSnapshot(mint, amount string) *chain.WalletSnapshot {
	return &chain.WalletSnapshot{
		Wallet:        "WaLLeT",
		TokenBalances: map[string]decimal.Decimal{mint: decimal.RequireFromString(amount)},
		NFTCounts:     map[string]int{},
	}
}

func newTestReconciler(st *fakeStore, chat *fakeChat, holdings *fakeHoldings, prices *fakePrices, lock *fakeLock) *Reconciler {
	return NewReconciler(st, holdings, prices, chat, lock, 4, 90)
}

func TestScheduledCycleAddsRole(t *testing.T) {
	st := newFakeStore()
	st.rules["g"] = []models.GatingRule{tokenRule("g", "R", "M", "100")}
	st.links["g"] = []models.WalletLink{{ID: "l1", GuildID: "g", DiscordUserID: "u", WalletPubkey: "WaLLeT"}}
	chat := newFakeChat()
	lock := &fakeLock{}
	r := newTestReconciler(st, chat, &fakeHoldings{snap: tokenSnapshot("M", "100")}, &fakePrices{}, lock)

	r.RunScheduledCycle(context.Background())

	require.Len(t, chat.added, 1)
	assert.Equal(t, [3]string{"g", "u", "R"}, chat.added[0])
	assert.Empty(t, chat.removed)
	assert.Equal(t, []models.AuditAction{models.AuditRoleAdded}, st.auditActions())
	assert.Equal(t, []string{"l1"}, st.touched)
	assert.Equal(t, 1, lock.acquired)
	assert.Equal(t, 1, lock.released)
}

func TestScheduledCycleSkippedWhenLockHeld(t *testing.T) {
	st := newFakeStore()
	st.rules["g"] = []models.GatingRule{tokenRule("g", "R", "M", "100")}
	st.links["g"] = []models.WalletLink{{ID: "l1", GuildID: "g", DiscordUserID: "u", WalletPubkey: "WaLLeT"}}
	chat := newFakeChat()
	r := newTestReconciler(st, chat, &fakeHoldings{snap: tokenSnapshot("M", "100")}, &fakePrices{}, &fakeLock{held: true})

	r.RunScheduledCycle(context.Background())

	assert.Empty(t, chat.added)
	assert.Empty(t, st.touched)
}

func TestCheckMemberFailOpenOnSnapshotError(t *testing.T) {
	st := newFakeStore()
	st.rules["g"] = []models.GatingRule{tokenRule("g", "R", "M", "100")}
	st.links["g"] = []models.WalletLink{{ID: "l1", GuildID: "g", DiscordUserID: "u", WalletPubkey: "WaLLeT"}}
	chat := newFakeChat()
	chat.roles["u"] = []string{"R"} // member holds the gated role

	r := newTestReconciler(st, chat, &fakeHoldings{err: errors.New("rpc down")}, &fakePrices{}, &fakeLock{})
	r.RunScheduledCycle(context.Background())

	// The role survives the outage and last_checked_at still advances.
	assert.Empty(t, chat.removed)
	assert.Empty(t, st.auditActions())
	assert.Equal(t, []string{"l1"}, st.touched)
	assert.Equal(t, []string{"R"}, chat.roles["u"])
}

func TestCheckMemberRemovesRoleWhenNoRuleSatisfied(t *testing.T) {
	st := newFakeStore()
	st.rules["g"] = []models.GatingRule{tokenRule("g", "R", "M", "100")}
	st.links["g"] = []models.WalletLink{{ID: "l1", GuildID: "g", DiscordUserID: "u", WalletPubkey: "WaLLeT"}}
	chat := newFakeChat()
	chat.roles["u"] = []string{"R"}

	r := newTestReconciler(st, chat, &fakeHoldings{snap: tokenSnapshot("M", "99")}, &fakePrices{}, &fakeLock{})
	r.RunScheduledCycle(context.Background())

	require.Len(t, chat.removed, 1)
	require.Len(t, st.audits, 1)
	assert.Equal(t, models.AuditRoleRemoved, st.audits[0].Action)
	assert.Equal(t, "no active rule satisfied for role", st.audits[0].Reason)
}

func TestCheckMemberIdempotent(t *testing.T) {
	st := newFakeStore()
	st.rules["g"] = []models.GatingRule{tokenRule("g", "R", "M", "100")}
	st.links["g"] = []models.WalletLink{{ID: "l1", GuildID: "g", DiscordUserID: "u", WalletPubkey: "WaLLeT"}}
	chat := newFakeChat()

	r := newTestReconciler(st, chat, &fakeHoldings{snap: tokenSnapshot("M", "150")}, &fakePrices{}, &fakeLock{})
	r.RunScheduledCycle(context.Background())
	require.Len(t, chat.added, 1)
	require.Len(t, st.audits, 1)

	// Unchanged wallet, unchanged rules: second run mutates nothing.
	r.RunScheduledCycle(context.Background())
	assert.Len(t, chat.added, 1)
	assert.Empty(t, chat.removed)
	assert.Len(t, st.audits, 1)
	assert.Len(t, st.touched, 2)
}

func TestCheckMemberIndeterminateDoesNotMutate(t *testing.T) {
	st := newFakeStore()
	source := models.PriceSourceCoinGecko
	st.rules["g"] = []models.GatingRule{{
		ID: "usd-rule", GuildID: "g", RoleID: "R", RuleType: models.RuleTokenUsd, Enabled: true,
		Mint: ptr("M"), ThresholdUsd: ptr(decimal.NewFromInt(10)),
		PriceSource: &source, PriceAssetID: ptr("sol"),
	}}
	st.links["g"] = []models.WalletLink{{ID: "l1", GuildID: "g", DiscordUserID: "u", WalletPubkey: "WaLLeT"}}
	chat := newFakeChat()
	chat.roles["u"] = []string{"R"}

	// Price provider down: USD rules are indeterminate, roles untouched.
	r := newTestReconciler(st, chat, &fakeHoldings{snap: tokenSnapshot("M", "5")},
		&fakePrices{err: errors.New("provider down")}, &fakeLock{})
	r.RunScheduledCycle(context.Background())

	assert.Empty(t, chat.added)
	assert.Empty(t, chat.removed)
	assert.Empty(t, st.auditActions())
	assert.Equal(t, []string{"l1"}, st.touched)
}

func TestCheckMemberManageabilityGate(t *testing.T) {
	st := newFakeStore()
	st.rules["g"] = []models.GatingRule{tokenRule("g", "R", "M", "100")}
	st.links["g"] = []models.WalletLink{{ID: "l1", GuildID: "g", DiscordUserID: "u", WalletPubkey: "WaLLeT"}}
	chat := newFakeChat()
	chat.unmanageable["R"] = true

	r := newTestReconciler(st, chat, &fakeHoldings{snap: tokenSnapshot("M", "100")}, &fakePrices{}, &fakeLock{})
	r.RunScheduledCycle(context.Background())

	assert.Empty(t, chat.added)
	assert.Empty(t, st.auditActions())
	assert.Equal(t, []string{"l1"}, st.touched) // check still completes
}

func TestCheckMemberSkipsSilentlyWhenGuildUnavailable(t *testing.T) {
	st := newFakeStore()
	st.rules["g"] = []models.GatingRule{tokenRule("g", "R", "M", "100")}
	st.links["g"] = []models.WalletLink{{ID: "l1", GuildID: "g", DiscordUserID: "u", WalletPubkey: "WaLLeT"}}
	chat := newFakeChat()
	chat.guildDown = true

	r := newTestReconciler(st, chat, &fakeHoldings{snap: tokenSnapshot("M", "100")}, &fakePrices{}, &fakeLock{})
	r.RunScheduledCycle(context.Background())

	assert.Empty(t, chat.added)
	assert.Empty(t, st.touched)
}

func TestRemoveManagedRolesOnUnlink(t *testing.T) {
	st := newFakeStore()
	disabled := tokenRule("g", "R2", "N", "5")
	disabled.Enabled = false
	st.rules["g"] = []models.GatingRule{tokenRule("g", "R1", "M", "100"), disabled}
	chat := newFakeChat()
	chat.roles["u"] = []string{"R1", "R2", "unrelated"}

	r := newTestReconciler(st, chat, &fakeHoldings{}, &fakePrices{}, &fakeLock{})
	r.RemoveManagedRoles(context.Background(), "g", "u")

	// Roles from any rule (enabled or not) are stripped; others stay.
	assert.ElementsMatch(t, [][3]string{{"g", "u", "R1"}, {"g", "u", "R2"}}, chat.removed)
	assert.Equal(t, []string{"unrelated"}, chat.roles["u"])
	for _, a := range st.audits {
		assert.Equal(t, models.AuditRoleRemoved, a.Action)
		assert.Equal(t, "wallet unlinked", a.Reason)
	}
}

func TestEnqueueRecheckDrainsSerially(t *testing.T) {
	st := newFakeStore()
	st.rules["g"] = []models.GatingRule{tokenRule("g", "R", "M", "100")}
	st.links["g"] = []models.WalletLink{
		{ID: "l1", GuildID: "g", DiscordUserID: "u1", WalletPubkey: "W1"},
		{ID: "l2", GuildID: "g", DiscordUserID: "u2", WalletPubkey: "W2"},
	}
	chat := newFakeChat()
	r := newTestReconciler(st, chat, &fakeHoldings{snap: tokenSnapshot("M", "100")}, &fakePrices{}, &fakeLock{})

	r.EnqueueRecheck("g", "u1")
	r.EnqueueRecheck("g", "u2")
	r.EnqueueRecheck("g", "missing-user") // no link: ignored

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return !r.processing && len(r.queue) == 0
	}, 2*time.Second, 10*time.Millisecond)

	chat.mu.Lock()
	defer chat.mu.Unlock()
	assert.ElementsMatch(t, [][3]string{{"g", "u1", "R"}, {"g", "u2", "R"}}, chat.added)
}

func TestRunCleanupPrunesAtRetention(t *testing.T) {
	st := newFakeStore()
	r := newTestReconciler(st, newFakeChat(), &fakeHoldings{}, &fakePrices{}, &fakeLock{})
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	r.RunCleanup(context.Background())
	assert.Equal(t, base.Add(-90*24*time.Hour), st.prunedUntil)
}

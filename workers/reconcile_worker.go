package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"solgate/chain"
	"solgate/logging"
	"solgate/models"
	"solgate/services"

	"github.com/go-co-op/gocron/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReconcileStore is the slice of the store the worker needs.
type ReconcileStore interface {
	GuildIDsWithEnabledRules(ctx context.Context) ([]string, error)
	EnabledRules(ctx context.Context, guildID string) ([]models.GatingRule, error)
	RulesForGuild(ctx context.Context, guildID string) ([]models.GatingRule, error)
	WalletLinks(ctx context.Context, guildID string) ([]models.WalletLink, error)
	WalletLink(ctx context.Context, guildID, userID string) (*models.WalletLink, error)
	TouchLastChecked(ctx context.Context, linkID string, now time.Time) error
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	AuditBefore(ctx context.Context, cutoff time.Time) ([]models.AuditEntry, error)
	PruneAudit(ctx context.Context, cutoff time.Time) (int64, error)
}

// ChatGateway is the chat-platform surface the worker mutates roles through.
type ChatGateway interface {
	GuildAvailable(guildID string) bool
	MemberRoles(guildID, userID string) ([]string, error)
	CanManageRole(guildID, roleID string) bool
	AddRole(guildID, userID, roleID string) error
	RemoveRole(guildID, userID, roleID string) error
}

// HoldingsFetcher fetches wallet snapshots (chain.Client in production).
type HoldingsFetcher interface {
	Snapshot(ctx context.Context, wallet string, opts chain.SnapshotOptions) (*chain.WalletSnapshot, error)
}

// PriceSource serves USD quotes (services.PriceCache in production).
type PriceSource interface {
	GetUSDPrices(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error)
}

// CycleLock is the cross-process exclusion for scheduled cycles.
type CycleLock interface {
	TryAcquire(ctx context.Context) bool
	Release(ctx context.Context)
}

// SessionCleaner prunes stale verification state during the cleanup cycle.
type SessionCleaner interface {
	CleanupSessions(ctx context.Context) error
}

type itemKind int

const (
	recheckMember itemKind = iota
	recheckGuild
	unlinkSweep
)

type recheckItem struct {
	kind    itemKind
	guildID string
	userID  string
}

// Reconciler keeps Discord roles in line with on-chain holdings. It runs a
// cron scheduled full cycle, a daily cleanup cycle, and a FIFO on-demand
// recheck queue drained by a single consumer.
//
// Snapshot and price failures are fail-open: a member's roles are never
// removed because an upstream was down.
type Reconciler struct {
	store       ReconcileStore
	chain       HoldingsFetcher
	prices      PriceSource
	chat        ChatGateway
	lock        CycleLock
	sessions    SessionCleaner
	archiver    *AuditArchiver
	concurrency int
	retention   time.Duration
	now         func() time.Time

	mu         sync.Mutex
	queue      []recheckItem
	processing bool

	sched gocron.Scheduler
}

func NewReconciler(store ReconcileStore, holdings HoldingsFetcher, prices PriceSource, chat ChatGateway, lock CycleLock, concurrency, retentionDays int) *Reconciler {
	if concurrency <= 0 {
		concurrency = 20
	}
	return &Reconciler{
		store:       store,
		chain:       holdings,
		prices:      prices,
		chat:        chat,
		lock:        lock,
		concurrency: concurrency,
		retention:   time.Duration(retentionDays) * 24 * time.Hour,
		now:         time.Now,
	}
}

// SetSessionCleaner wires the verification service in after construction
// (the verify service itself needs the reconciler for enqueues).
func (r *Reconciler) SetSessionCleaner(c SessionCleaner) {
	r.sessions = c
}

// SetAuditArchiver enables exporting audit entries before retention pruning.
func (r *Reconciler) SetAuditArchiver(a *AuditArchiver) {
	r.archiver = a
}

// Start registers the scheduled cycle and the daily cleanup with gocron.
func (r *Reconciler) Start(cronExpr string) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() { r.RunScheduledCycle(context.Background()) }),
	); err != nil {
		return fmt.Errorf("registering reconcile job: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(24*time.Hour),
		gocron.NewTask(func() { r.RunCleanup(context.Background()) }),
	); err != nil {
		return fmt.Errorf("registering cleanup job: %w", err)
	}
	sched.Start()
	r.sched = sched
	logging.Info("🔁 reconciliation worker started", zap.String("cron", cronExpr))
	return nil
}

func (r *Reconciler) Stop() {
	if r.sched != nil {
		if err := r.sched.Shutdown(); err != nil {
			logging.Error("scheduler shutdown failed", zap.Error(err))
		}
	}
}

// EnqueueRecheck appends an on-demand recheck. An empty userID means the
// whole guild. Returns immediately; a single consumer drains the queue.
func (r *Reconciler) EnqueueRecheck(guildID, userID string) {
	kind := recheckMember
	if userID == "" {
		kind = recheckGuild
	}
	r.enqueue(recheckItem{kind: kind, guildID: guildID, userID: userID})
}

// EnqueueUnlinkSweep schedules removal of every managed role from a member
// whose wallet was unlinked.
func (r *Reconciler) EnqueueUnlinkSweep(guildID, userID string) {
	r.enqueue(recheckItem{kind: unlinkSweep, guildID: guildID, userID: userID})
}

func (r *Reconciler) enqueue(item recheckItem) {
	r.mu.Lock()
	r.queue = append(r.queue, item)
	if !r.processing {
		r.processing = true
		go r.drain()
	}
	r.mu.Unlock()
}

// drain pops items in submission order until the queue is empty. New
// enqueues while draining do not spawn a second consumer.
func (r *Reconciler) drain() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.processing = false
			r.mu.Unlock()
			return
		}
		item := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		ctx := context.Background()
		switch item.kind {
		case unlinkSweep:
			r.RemoveManagedRoles(ctx, item.guildID, item.userID)
		case recheckGuild:
			r.checkGuild(ctx, item.guildID)
		case recheckMember:
			r.recheckMember(ctx, item.guildID, item.userID)
		}
	}
}

// RunScheduledCycle reconciles every guild with at least one enabled rule.
// Exactly one process runs it at a time; losing the lock skips the cycle.
func (r *Reconciler) RunScheduledCycle(ctx context.Context) {
	if !r.lock.TryAcquire(ctx) {
		logging.Info("scheduled cycle skipped, lock held elsewhere")
		return
	}
	defer r.lock.Release(ctx)

	started := r.now()
	guildIDs, err := r.store.GuildIDsWithEnabledRules(ctx)
	if err != nil {
		logging.Error("scheduled cycle: listing guilds failed", zap.Error(err))
		return
	}
	for _, guildID := range guildIDs {
		r.checkGuild(ctx, guildID)
	}
	logging.Info("✅ scheduled reconcile cycle finished",
		zap.Int("guilds", len(guildIDs)),
		zap.Duration("took", r.now().Sub(started)))
}

// checkGuild loads the guild's enabled rules once and fans out per-member
// checks with a bounded pool.
func (r *Reconciler) checkGuild(ctx context.Context, guildID string) {
	rules, err := r.store.EnabledRules(ctx, guildID)
	if err != nil {
		logging.Error("loading enabled rules failed",
			zap.String("guild_id", guildID), zap.Error(err))
		return
	}
	specs, specErrs := services.SpecsFromRules(rules)
	for _, err := range specErrs {
		logging.Warn("skipping malformed rule", zap.String("guild_id", guildID), zap.Error(err))
	}
	if len(specs) == 0 {
		return
	}

	links, err := r.store.WalletLinks(ctx, guildID)
	if err != nil {
		logging.Error("loading wallet links failed",
			zap.String("guild_id", guildID), zap.Error(err))
		return
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, link := range links {
		link := link
		g.Go(func() error {
			r.checkMember(ctx, guildID, specs, link)
			return nil
		})
	}
	_ = g.Wait()
}

// recheckMember is the single-member on-demand path.
func (r *Reconciler) recheckMember(ctx context.Context, guildID, userID string) {
	rules, err := r.store.EnabledRules(ctx, guildID)
	if err != nil {
		logging.Error("loading enabled rules failed",
			zap.String("guild_id", guildID), zap.Error(err))
		return
	}
	specs, _ := services.SpecsFromRules(rules)

	link, err := r.store.WalletLink(ctx, guildID, userID)
	if err != nil {
		logging.Error("loading wallet link failed",
			zap.String("guild_id", guildID), zap.String("discord_user_id", userID), zap.Error(err))
		return
	}
	if link == nil {
		return
	}
	r.checkMember(ctx, guildID, specs, *link)
}

// checkMember evaluates one member's wallet against the guild's rules and
// applies the decisions. Upstream failures leave roles untouched.
func (r *Reconciler) checkMember(ctx context.Context, guildID string, specs []services.RuleSpec, link models.WalletLink) {
	prices := map[string]decimal.Decimal{}
	if assetIDs := services.PriceAssetIDs(specs); len(assetIDs) > 0 {
		fetched, err := r.prices.GetUSDPrices(ctx, assetIDs)
		if err != nil {
			// USD rules become indeterminate for this check.
			logging.Warn("price fetch failed",
				zap.String("guild_id", guildID), zap.Error(err))
		} else {
			prices = fetched
		}
	}

	if !r.chat.GuildAvailable(guildID) {
		return
	}
	memberRoles, err := r.chat.MemberRoles(guildID, link.DiscordUserID)
	if err != nil {
		return
	}

	opts := chain.SnapshotOptions{
		IncludeTokens: services.NeedsTokenBalances(specs),
		IncludeNFTs:   services.NeedsNftCounts(specs),
	}
	snap, err := r.chain.Snapshot(ctx, link.WalletPubkey, opts)
	if err != nil {
		// Fail-open: never strip a role because an upstream was down.
		logging.Warn("snapshot fetch failed, leaving roles untouched",
			zap.String("guild_id", guildID),
			zap.String("wallet", link.WalletPubkey),
			zap.Error(err))
		r.touch(ctx, link.ID)
		return
	}

	evals := services.Evaluate(specs, snap, prices)
	evalByRule := make(map[string]services.Evaluation, len(evals))
	for _, e := range evals {
		evalByRule[e.RuleID] = e
	}

	hasRole := make(map[string]bool, len(memberRoles))
	for _, roleID := range memberRoles {
		hasRole[roleID] = true
	}

	for _, decision := range services.Decide(evals) {
		switch decision.ShouldHave {
		case services.TriUnknown:
			continue
		case services.TriTrue:
			if hasRole[decision.RoleID] {
				continue
			}
			if !r.chat.CanManageRole(guildID, decision.RoleID) {
				logging.Warn("role not manageable, skipping add",
					zap.String("guild_id", guildID), zap.String("role_id", decision.RoleID))
				continue
			}
			if err := r.chat.AddRole(guildID, link.DiscordUserID, decision.RoleID); err != nil {
				logging.Error("adding role failed",
					zap.String("guild_id", guildID),
					zap.String("role_id", decision.RoleID), zap.Error(err))
				continue
			}
			matched := decision.MatchedRuleIDs[0]
			r.audit(ctx, guildID, link.DiscordUserID, &matched, decision.RoleID,
				models.AuditRoleAdded, evalByRule[matched].Reason)
		case services.TriFalse:
			if !hasRole[decision.RoleID] {
				continue
			}
			if !r.chat.CanManageRole(guildID, decision.RoleID) {
				logging.Warn("role not manageable, skipping remove",
					zap.String("guild_id", guildID), zap.String("role_id", decision.RoleID))
				continue
			}
			if err := r.chat.RemoveRole(guildID, link.DiscordUserID, decision.RoleID); err != nil {
				logging.Error("removing role failed",
					zap.String("guild_id", guildID),
					zap.String("role_id", decision.RoleID), zap.Error(err))
				continue
			}
			r.audit(ctx, guildID, link.DiscordUserID, nil, decision.RoleID,
				models.AuditRoleRemoved, "no active rule satisfied for role")
		}
	}

	r.touch(ctx, link.ID)
}

// RemoveManagedRoles strips every role referenced by any of the guild's
// rules from the member, used after an unlink.
func (r *Reconciler) RemoveManagedRoles(ctx context.Context, guildID, userID string) {
	rules, err := r.store.RulesForGuild(ctx, guildID)
	if err != nil {
		logging.Error("unlink sweep: loading rules failed",
			zap.String("guild_id", guildID), zap.Error(err))
		return
	}
	if !r.chat.GuildAvailable(guildID) {
		return
	}
	memberRoles, err := r.chat.MemberRoles(guildID, userID)
	if err != nil {
		return
	}
	hasRole := make(map[string]bool, len(memberRoles))
	for _, roleID := range memberRoles {
		hasRole[roleID] = true
	}

	done := make(map[string]bool)
	for _, rule := range rules {
		roleID := rule.RoleID
		if done[roleID] || !hasRole[roleID] {
			continue
		}
		done[roleID] = true
		if !r.chat.CanManageRole(guildID, roleID) {
			logging.Warn("role not manageable, skipping unlink removal",
				zap.String("guild_id", guildID), zap.String("role_id", roleID))
			continue
		}
		if err := r.chat.RemoveRole(guildID, userID, roleID); err != nil {
			logging.Error("unlink sweep: removing role failed",
				zap.String("guild_id", guildID), zap.String("role_id", roleID), zap.Error(err))
			continue
		}
		r.audit(ctx, guildID, userID, nil, roleID, models.AuditRoleRemoved, "wallet unlinked")
	}
}

// RunCleanup prunes stale sessions and audit entries past retention.
// Failures are logged and never block reconcile cycles.
func (r *Reconciler) RunCleanup(ctx context.Context) {
	if r.sessions != nil {
		if err := r.sessions.CleanupSessions(ctx); err != nil {
			logging.Error("session cleanup failed", zap.Error(err))
		}
	}

	cutoff := r.now().Add(-r.retention)
	if r.archiver != nil {
		entries, err := r.store.AuditBefore(ctx, cutoff)
		if err != nil {
			logging.Error("audit archive: loading entries failed", zap.Error(err))
			return
		}
		if len(entries) > 0 {
			if err := r.archiver.Archive(ctx, entries, cutoff); err != nil {
				// Keep the rows; retry the archive on the next cleanup.
				logging.Error("audit archive failed, skipping prune", zap.Error(err))
				return
			}
		}
	}
	pruned, err := r.store.PruneAudit(ctx, cutoff)
	if err != nil {
		logging.Error("audit prune failed", zap.Error(err))
		return
	}
	if pruned > 0 {
		logging.Info("🧹 pruned audit entries", zap.Int64("count", pruned))
	}
}

func (r *Reconciler) touch(ctx context.Context, linkID string) {
	if err := r.store.TouchLastChecked(ctx, linkID, r.now()); err != nil {
		logging.Error("updating last_checked_at failed",
			zap.String("link_id", linkID), zap.Error(err))
	}
}

func (r *Reconciler) audit(ctx context.Context, guildID, userID string, ruleID *string, roleID string, action models.AuditAction, reason string) {
	if err := r.store.AppendAudit(ctx, &models.AuditEntry{
		GuildID:       guildID,
		DiscordUserID: userID,
		RuleID:        ruleID,
		RoleID:        roleID,
		Action:        action,
		Reason:        reason,
	}); err != nil {
		logging.Error("appending audit entry failed", zap.Error(err))
	}
}

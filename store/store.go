package store

import (
	"context"
	"errors"
	"time"

	"solgate/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the gorm-backed persistence layer. Services depend on the narrow
// slices of it they need, declared as interfaces at the consumer side.
type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{DB: db}
}

// ---- guilds ----

func (s *Store) EnsureGuild(ctx context.Context, guildID string) error {
	return s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Guild{ID: guildID}).Error
}

// ---- verify sessions ----

func (s *Store) CreateSession(ctx context.Context, sess *models.VerifySession) error {
	return s.DB.WithContext(ctx).Create(sess).Error
}

func (s *Store) SessionByID(ctx context.Context, id string) (*models.VerifySession, error) {
	var sess models.VerifySession
	if err := s.DB.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

// ConsumeSession marks the session used iff it has not been used yet. The
// guarded update is what makes concurrent submits race safely: exactly one
// caller sees a row change.
func (s *Store) ConsumeSession(ctx context.Context, id string, now time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).
		Model(&models.VerifySession{}).
		Where("id = ? AND used_at IS NULL", id).
		Update("used_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) DeleteStaleSessions(ctx context.Context, now time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).
		Where("expires_at < ? OR used_at IS NOT NULL", now).
		Delete(&models.VerifySession{})
	return res.RowsAffected, res.Error
}

// ---- wallet links ----

func (s *Store) WalletLink(ctx context.Context, guildID, userID string) (*models.WalletLink, error) {
	var link models.WalletLink
	err := s.DB.WithContext(ctx).
		First(&link, "guild_id = ? AND discord_user_id = ?", guildID, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &link, nil
}

func (s *Store) UpsertWalletLink(ctx context.Context, link *models.WalletLink) error {
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "guild_id"}, {Name: "discord_user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"wallet_pubkey", "verified_at", "updated_at",
		}),
	}).Create(link).Error
}

func (s *Store) DeleteWalletLink(ctx context.Context, guildID, userID string) (bool, error) {
	res := s.DB.WithContext(ctx).
		Where("guild_id = ? AND discord_user_id = ?", guildID, userID).
		Delete(&models.WalletLink{})
	return res.RowsAffected > 0, res.Error
}

func (s *Store) WalletLinks(ctx context.Context, guildID string) ([]models.WalletLink, error) {
	var links []models.WalletLink
	err := s.DB.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("created_at").
		Find(&links).Error
	return links, err
}

func (s *Store) TouchLastChecked(ctx context.Context, linkID string, now time.Time) error {
	return s.DB.WithContext(ctx).
		Model(&models.WalletLink{}).
		Where("id = ?", linkID).
		Update("last_checked_at", now).Error
}

// ---- gating rules ----

func (s *Store) GuildIDsWithEnabledRules(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.DB.WithContext(ctx).
		Model(&models.GatingRule{}).
		Where("enabled").
		Distinct("guild_id").
		Order("guild_id").
		Pluck("guild_id", &ids).Error
	return ids, err
}

func (s *Store) EnabledRules(ctx context.Context, guildID string) ([]models.GatingRule, error) {
	var rules []models.GatingRule
	err := s.DB.WithContext(ctx).
		Where("guild_id = ? AND enabled", guildID).
		Order("created_at").
		Find(&rules).Error
	return rules, err
}

// RulesForGuild returns every rule, enabled or not. Used by the admin surface
// and by the unlink sweep, which strips roles referenced by any rule.
func (s *Store) RulesForGuild(ctx context.Context, guildID string) ([]models.GatingRule, error) {
	var rules []models.GatingRule
	err := s.DB.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("created_at").
		Find(&rules).Error
	return rules, err
}

func (s *Store) RuleByID(ctx context.Context, guildID, ruleID string) (*models.GatingRule, error) {
	var rule models.GatingRule
	err := s.DB.WithContext(ctx).
		First(&rule, "id = ? AND guild_id = ?", ruleID, guildID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

func (s *Store) CreateRule(ctx context.Context, rule *models.GatingRule) error {
	return s.DB.WithContext(ctx).Create(rule).Error
}

func (s *Store) SaveRule(ctx context.Context, rule *models.GatingRule) error {
	return s.DB.WithContext(ctx).Save(rule).Error
}

func (s *Store) DeleteRule(ctx context.Context, guildID, ruleID string) (bool, error) {
	res := s.DB.WithContext(ctx).
		Where("id = ? AND guild_id = ?", ruleID, guildID).
		Delete(&models.GatingRule{})
	return res.RowsAffected > 0, res.Error
}

// ---- audit ----

func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	return s.DB.WithContext(ctx).Create(entry).Error
}

func (s *Store) AuditBefore(ctx context.Context, cutoff time.Time) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	err := s.DB.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Order("created_at").
		Find(&entries).Error
	return entries, err
}

func (s *Store) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.AuditEntry{})
	return res.RowsAffected, res.Error
}

// ---- price quotes ----

func (s *Store) Quotes(ctx context.Context, assetIDs []string) ([]models.PriceQuote, error) {
	if len(assetIDs) == 0 {
		return nil, nil
	}
	var quotes []models.PriceQuote
	err := s.DB.WithContext(ctx).
		Where("asset_id IN ?", assetIDs).
		Find(&quotes).Error
	return quotes, err
}

func (s *Store) UpsertQuotes(ctx context.Context, quotes []models.PriceQuote) error {
	if len(quotes) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "asset_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"price_usd", "fetched_at"}),
	}).Create(&quotes).Error
}

// ---- oauth states ----

func (s *Store) CreateOAuthState(ctx context.Context, state *models.OAuthState) error {
	return s.DB.WithContext(ctx).Create(state).Error
}

// ConsumeOAuthState validates and burns a login state in one guarded update.
func (s *Store) ConsumeOAuthState(ctx context.Context, state string, now time.Time) (*models.OAuthState, error) {
	var row models.OAuthState
	if err := s.DB.WithContext(ctx).First(&row, "state = ?", state).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if row.UsedAt != nil || now.After(row.ExpiresAt) {
		return nil, nil
	}
	res := s.DB.WithContext(ctx).
		Model(&models.OAuthState{}).
		Where("state = ? AND used_at IS NULL", state).
		Update("used_at", now)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, nil
	}
	return &row, nil
}

func (s *Store) DeleteStaleOAuthStates(ctx context.Context, now time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).
		Where("expires_at < ? OR used_at IS NOT NULL", now).
		Delete(&models.OAuthState{})
	return res.RowsAffected, res.Error
}

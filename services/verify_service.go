package services

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"solgate/logging"
	"solgate/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"
)

const (
	sessionTTL = 10 * time.Minute
	nonceBytes = 16 // 128-bit
)

// VerifyStore is the slice of the store the verification protocol needs.
type VerifyStore interface {
	EnsureGuild(ctx context.Context, guildID string) error
	CreateSession(ctx context.Context, sess *models.VerifySession) error
	SessionByID(ctx context.Context, id string) (*models.VerifySession, error)
	ConsumeSession(ctx context.Context, id string, now time.Time) (bool, error)
	DeleteStaleSessions(ctx context.Context, now time.Time) (int64, error)
	WalletLink(ctx context.Context, guildID, userID string) (*models.WalletLink, error)
	UpsertWalletLink(ctx context.Context, link *models.WalletLink) error
	DeleteWalletLink(ctx context.Context, guildID, userID string) (bool, error)
	DeleteStaleOAuthStates(ctx context.Context, now time.Time) (int64, error)
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
}

// RecheckScheduler is implemented by the reconciliation worker. Enqueues
// return immediately; the worker drains them serially.
type RecheckScheduler interface {
	EnqueueRecheck(guildID, userID string)
	EnqueueUnlinkSweep(guildID, userID string)
}

// VerifyService runs the challenge-sign-verify handshake that binds a
// Discord member to a wallet public key. The signed token and the stored
// session are both required; the nonce is never reused; the signature is
// checked against the exact server-chosen message.
type VerifyService struct {
	store     VerifyStore
	worker    RecheckScheduler
	secret    []byte
	publicURL string
	now       func() time.Time
}

func NewVerifyService(store VerifyStore, worker RecheckScheduler, tokenSecret, publicURL string) *VerifyService {
	return &VerifyService{
		store:     store,
		worker:    worker,
		secret:    []byte(tokenSecret),
		publicURL: publicURL,
		now:       time.Now,
	}
}

type SessionHandle struct {
	Token    string
	DeepLink string
	Session  *models.VerifySession
}

func challengeMessage(guildID, userID, nonce string, expiresAt time.Time) string {
	return fmt.Sprintf("Verify Discord %s in Guild %s nonce %s exp %s",
		userID, guildID, nonce, expiresAt.UTC().Format(time.RFC3339))
}

// CreateSession opens a new verification session and returns the signed
// token plus a deep link to the signing page.
func (s *VerifyService) CreateSession(ctx context.Context, guildID, userID string) (*SessionHandle, error) {
	if guildID == "" || userID == "" {
		return nil, fmt.Errorf("%w: guild id and user id are required", ErrValidation)
	}
	if err := s.store.EnsureGuild(ctx, guildID); err != nil {
		return nil, fmt.Errorf("ensuring guild: %w", err)
	}

	raw := make([]byte, nonceBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	nonce := hex.EncodeToString(raw)

	now := s.now()
	sess := &models.VerifySession{
		GuildID:       guildID,
		DiscordUserID: userID,
		Nonce:         nonce,
		ExpiresAt:     now.Add(sessionTTL),
	}
	sess.ChallengeMessage = challengeMessage(guildID, userID, nonce, sess.ExpiresAt)
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	token, err := s.signToken(sess, now)
	if err != nil {
		return nil, err
	}
	return &SessionHandle{
		Token:    token,
		DeepLink: fmt.Sprintf("%s/verify?token=%s", s.publicURL, url.QueryEscape(token)),
		Session:  sess,
	}, nil
}

func (s *VerifyService) signToken(sess *models.VerifySession, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"gid": sess.GuildID,
		"uid": sess.DiscordUserID,
		"sid": sess.ID,
		"iat": now.Unix(),
		"exp": now.Add(sessionTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing verify token: %w", err)
	}
	return token, nil
}

// loadSession verifies the token and loads the matching usable session. Both
// layers must agree on identity (defence in depth).
func (s *VerifyService) loadSession(ctx context.Context, token string) (*models.VerifySession, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil, ErrSessionInvalid
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrSessionInvalid
	}
	gid, _ := claims["gid"].(string)
	uid, _ := claims["uid"].(string)
	sid, _ := claims["sid"].(string)
	if gid == "" || uid == "" || sid == "" {
		return nil, ErrSessionInvalid
	}

	sess, err := s.store.SessionByID(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess == nil || sess.GuildID != gid || sess.DiscordUserID != uid {
		return nil, ErrSessionInvalid
	}
	if sess.UsedAt != nil || s.now().After(sess.ExpiresAt) {
		return nil, ErrSessionInvalid
	}
	return sess, nil
}

// GetChallenge returns the message to sign for a valid, unused session.
func (s *VerifyService) GetChallenge(ctx context.Context, token string) (*models.VerifySession, error) {
	return s.loadSession(ctx, token)
}

type SubmitResult struct {
	GuildID       string
	DiscordUserID string
	Replaced      bool
}

// Submit checks the Ed25519 signature over the session's challenge and
// upserts the wallet link. The session is burned before the link write, so a
// replay cannot land twice even if the upsert fails.
func (s *VerifyService) Submit(ctx context.Context, token, walletPubkey, signatureB58 string) (*SubmitResult, error) {
	sess, err := s.loadSession(ctx, token)
	if err != nil {
		return nil, err
	}

	pubkey, err := base58.Decode(walletPubkey)
	if err != nil || len(pubkey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: wallet pubkey must be a base58 32-byte ed25519 key", ErrValidation)
	}
	signature, err := base58.Decode(signatureB58)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return nil, ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pubkey), []byte(sess.ChallengeMessage), signature) {
		return nil, ErrInvalidSignature
	}

	now := s.now()
	consumed, err := s.store.ConsumeSession(ctx, sess.ID, now)
	if err != nil {
		return nil, fmt.Errorf("consuming session: %w", err)
	}
	if !consumed {
		return nil, ErrSessionInvalid
	}

	existing, err := s.store.WalletLink(ctx, sess.GuildID, sess.DiscordUserID)
	if err != nil {
		return nil, fmt.Errorf("loading wallet link: %w", err)
	}
	replaced := existing != nil && existing.WalletPubkey != walletPubkey

	link := &models.WalletLink{
		GuildID:       sess.GuildID,
		DiscordUserID: sess.DiscordUserID,
		WalletPubkey:  walletPubkey,
		VerifiedAt:    now,
	}
	if err := s.store.UpsertWalletLink(ctx, link); err != nil {
		return nil, fmt.Errorf("upserting wallet link: %w", err)
	}

	action := models.AuditVerifySuccess
	reason := fmt.Sprintf("wallet %s verified", walletPubkey)
	if replaced {
		action = models.AuditVerifyReplaced
		reason = fmt.Sprintf("wallet %s replaced %s", walletPubkey, existing.WalletPubkey)
	}
	if err := s.store.AppendAudit(ctx, &models.AuditEntry{
		GuildID:       sess.GuildID,
		DiscordUserID: sess.DiscordUserID,
		Action:        action,
		Reason:        reason,
	}); err != nil {
		logging.Error("failed to append verify audit entry", zap.Error(err))
	}

	s.worker.EnqueueRecheck(sess.GuildID, sess.DiscordUserID)

	logging.Info("wallet verified",
		zap.String("guild_id", sess.GuildID),
		zap.String("discord_user_id", sess.DiscordUserID),
		zap.Bool("replaced", replaced))
	return &SubmitResult{GuildID: sess.GuildID, DiscordUserID: sess.DiscordUserID, Replaced: replaced}, nil
}

// Unlink removes the wallet link and schedules removal of every role the
// service manages in that guild from the member.
func (s *VerifyService) Unlink(ctx context.Context, guildID, userID string) (bool, error) {
	deleted, err := s.store.DeleteWalletLink(ctx, guildID, userID)
	if err != nil {
		return false, fmt.Errorf("deleting wallet link: %w", err)
	}
	if !deleted {
		return false, nil
	}
	if err := s.store.AppendAudit(ctx, &models.AuditEntry{
		GuildID:       guildID,
		DiscordUserID: userID,
		Action:        models.AuditVerifyUnlinked,
		Reason:        "wallet unlinked",
	}); err != nil {
		logging.Error("failed to append unlink audit entry", zap.Error(err))
	}
	s.worker.EnqueueUnlinkSweep(guildID, userID)
	return true, nil
}

// CleanupSessions deletes expired or used verify sessions and login states.
func (s *VerifyService) CleanupSessions(ctx context.Context) error {
	now := s.now()
	sessions, err := s.store.DeleteStaleSessions(ctx, now)
	if err != nil {
		return fmt.Errorf("pruning verify sessions: %w", err)
	}
	states, err := s.store.DeleteStaleOAuthStates(ctx, now)
	if err != nil {
		return fmt.Errorf("pruning oauth states: %w", err)
	}
	if sessions > 0 || states > 0 {
		logging.Info("pruned stale verification state",
			zap.Int64("sessions", sessions), zap.Int64("oauth_states", states))
	}
	return nil
}

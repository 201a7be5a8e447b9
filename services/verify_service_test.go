package services

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"solgate/models"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memVerifyStore struct {
	mu       sync.Mutex
	guilds   map[string]bool
	sessions map[string]*models.VerifySession
	nonces   map[string]bool
	links    map[string]*models.WalletLink
	audits   []models.AuditEntry
}

func newMemVerifyStore() *memVerifyStore {
	return &memVerifyStore{
		guilds:   map[string]bool{},
		sessions: map[string]*models.VerifySession{},
		nonces:   map[string]bool{},
		links:    map[string]*models.WalletLink{},
	}
}

func linkKey(guildID, userID string) string { return guildID + "|" + userID }

func (m *memVerifyStore) EnsureGuild(_ context.Context, guildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guilds[guildID] = true
	return nil
}

func (m *memVerifyStore) CreateSession(_ context.Context, sess *models.VerifySession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nonces[sess.Nonce] {
		return fmt.Errorf("duplicate nonce")
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	m.nonces[sess.Nonce] = true
	copied := *sess
	m.sessions[sess.ID] = &copied
	return nil
}

func (m *memVerifyStore) SessionByID(_ context.Context, id string) (*models.VerifySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := *sess
	return &copied, nil
}

func (m *memVerifyStore) ConsumeSession(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok || sess.UsedAt != nil {
		return false, nil
	}
	sess.UsedAt = &now
	return true, nil
}

func (m *memVerifyStore) DeleteStaleSessions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, sess := range m.sessions {
		if sess.UsedAt != nil || now.After(sess.ExpiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *memVerifyStore) WalletLink(_ context.Context, guildID, userID string) (*models.WalletLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[linkKey(guildID, userID)]
	if !ok {
		return nil, nil
	}
	copied := *link
	return &copied, nil
}

func (m *memVerifyStore) UpsertWalletLink(_ context.Context, link *models.WalletLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *link
	m.links[linkKey(link.GuildID, link.DiscordUserID)] = &copied
	return nil
}

func (m *memVerifyStore) DeleteWalletLink(_ context.Context, guildID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := linkKey(guildID, userID)
	if _, ok := m.links[key]; !ok {
		return false, nil
	}
	delete(m.links, key)
	return true, nil
}

func (m *memVerifyStore) DeleteStaleOAuthStates(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *memVerifyStore) AppendAudit(_ context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, *entry)
	return nil
}

type recordingScheduler struct {
	mu       sync.Mutex
	rechecks [][2]string
	sweeps   [][2]string
}

func (r *recordingScheduler) EnqueueRecheck(guildID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rechecks = append(r.rechecks, [2]string{guildID, userID})
}

func (r *recordingScheduler) EnqueueUnlinkSweep(guildID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps = append(r.sweeps, [2]string{guildID, userID})
}

func newTestVerifyService() (*VerifyService, *memVerifyStore, *recordingScheduler) {
	st := newMemVerifyStore()
	sched := &recordingScheduler{}
	svc := NewVerifyService(st, sched, "0123456789abcdef0123456789abcdef", "https://verify.example.com")
	return svc, st, sched
}

func signChallenge(t *testing.T, message string) (pubkeyB58, signatureB58 string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, []byte(message))
	return base58.Encode(pub), base58.Encode(sig)
}

func TestCreateSessionChallengeFormat(t *testing.T) {
	svc, st, _ := newTestVerifyService()

	handle, err := svc.CreateSession(context.Background(), "guild1", "user1")
	require.NoError(t, err)
	require.NotEmpty(t, handle.Token)
	assert.Contains(t, handle.DeepLink, "https://verify.example.com/verify?token=")

	sess := handle.Session
	assert.Len(t, sess.Nonce, 32) // 128-bit hex
	expected := fmt.Sprintf("Verify Discord user1 in Guild guild1 nonce %s exp %s",
		sess.Nonce, sess.ExpiresAt.UTC().Format(time.RFC3339))
	assert.Equal(t, expected, sess.ChallengeMessage)
	assert.True(t, st.guilds["guild1"])
}

func TestCreateSessionNoncesNeverRepeat(t *testing.T) {
	svc, _, _ := newTestVerifyService()
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		handle, err := svc.CreateSession(context.Background(), "g", "u")
		require.NoError(t, err)
		require.False(t, seen[handle.Session.Nonce])
		seen[handle.Session.Nonce] = true
	}
}

func TestGetChallengeRejectsTamperedToken(t *testing.T) {
	svc, _, _ := newTestVerifyService()
	handle, err := svc.CreateSession(context.Background(), "g", "u")
	require.NoError(t, err)

	_, err = svc.GetChallenge(context.Background(), handle.Token+"x")
	assert.ErrorIs(t, err, ErrSessionInvalid)

	other := NewVerifyService(newMemVerifyStore(), &recordingScheduler{},
		"another-secret-another-secret-32", "https://verify.example.com")
	otherHandle, err := other.CreateSession(context.Background(), "g", "u")
	require.NoError(t, err)
	_, err = svc.GetChallenge(context.Background(), otherHandle.Token)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestSubmitHappyPath(t *testing.T) {
	svc, st, sched := newTestVerifyService()
	handle, err := svc.CreateSession(context.Background(), "g", "u")
	require.NoError(t, err)

	pubkey, sig := signChallenge(t, handle.Session.ChallengeMessage)
	result, err := svc.Submit(context.Background(), handle.Token, pubkey, sig)
	require.NoError(t, err)
	assert.Equal(t, "g", result.GuildID)
	assert.Equal(t, "u", result.DiscordUserID)
	assert.False(t, result.Replaced)

	link, err := st.WalletLink(context.Background(), "g", "u")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, pubkey, link.WalletPubkey)

	require.Len(t, st.audits, 1)
	assert.Equal(t, models.AuditVerifySuccess, st.audits[0].Action)
	require.Len(t, sched.rechecks, 1)
	assert.Equal(t, [2]string{"g", "u"}, sched.rechecks[0])
}

func TestSubmitReplayRejected(t *testing.T) {
	svc, _, _ := newTestVerifyService()
	handle, err := svc.CreateSession(context.Background(), "g", "u")
	require.NoError(t, err)

	pubkey, sig := signChallenge(t, handle.Session.ChallengeMessage)
	_, err = svc.Submit(context.Background(), handle.Token, pubkey, sig)
	require.NoError(t, err)

	// Same token, same valid signature: the session is burned.
	_, err = svc.Submit(context.Background(), handle.Token, pubkey, sig)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestSubmitSignatureOverDifferentMessage(t *testing.T) {
	svc, st, _ := newTestVerifyService()
	handle, err := svc.CreateSession(context.Background(), "g", "u")
	require.NoError(t, err)

	// Valid signature, wrong message.
	pubkey, sig := signChallenge(t, "some other message entirely")
	_, err = svc.Submit(context.Background(), handle.Token, pubkey, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	link, err := st.WalletLink(context.Background(), "g", "u")
	require.NoError(t, err)
	assert.Nil(t, link)

	// The session survives a failed signature and can still be used.
	pubkey, sig = signChallenge(t, handle.Session.ChallengeMessage)
	_, err = svc.Submit(context.Background(), handle.Token, pubkey, sig)
	assert.NoError(t, err)
}

func TestSubmitRejectsBadKeyMaterial(t *testing.T) {
	svc, _, _ := newTestVerifyService()
	handle, err := svc.CreateSession(context.Background(), "g", "u")
	require.NoError(t, err)

	_, sig := signChallenge(t, handle.Session.ChallengeMessage)
	_, err = svc.Submit(context.Background(), handle.Token, "not-base58-!!!", sig)
	assert.ErrorIs(t, err, ErrValidation)

	pubkey, _ := signChallenge(t, handle.Session.ChallengeMessage)
	_, err = svc.Submit(context.Background(), handle.Token, pubkey, "short")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSubmitExpiredSession(t *testing.T) {
	svc, _, _ := newTestVerifyService()
	handle, err := svc.CreateSession(context.Background(), "g", "u")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	pubkey, sig := signChallenge(t, handle.Session.ChallengeMessage)
	_, err = svc.Submit(context.Background(), handle.Token, pubkey, sig)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestSubmitReplacesExistingWallet(t *testing.T) {
	svc, st, _ := newTestVerifyService()

	first, err := svc.CreateSession(context.Background(), "g", "u")
	require.NoError(t, err)
	pub1, sig1 := signChallenge(t, first.Session.ChallengeMessage)
	_, err = svc.Submit(context.Background(), first.Token, pub1, sig1)
	require.NoError(t, err)

	second, err := svc.CreateSession(context.Background(), "g", "u")
	require.NoError(t, err)
	pub2, sig2 := signChallenge(t, second.Session.ChallengeMessage)
	result, err := svc.Submit(context.Background(), second.Token, pub2, sig2)
	require.NoError(t, err)
	assert.True(t, result.Replaced)

	link, err := st.WalletLink(context.Background(), "g", "u")
	require.NoError(t, err)
	assert.Equal(t, pub2, link.WalletPubkey)

	require.Len(t, st.audits, 2)
	assert.Equal(t, models.AuditVerifyReplaced, st.audits[1].Action)
}

func TestUnlink(t *testing.T) {
	svc, st, sched := newTestVerifyService()
	handle, err := svc.CreateSession(context.Background(), "g", "u")
	require.NoError(t, err)
	pubkey, sig := signChallenge(t, handle.Session.ChallengeMessage)
	_, err = svc.Submit(context.Background(), handle.Token, pubkey, sig)
	require.NoError(t, err)

	deleted, err := svc.Unlink(context.Background(), "g", "u")
	require.NoError(t, err)
	assert.True(t, deleted)

	link, err := st.WalletLink(context.Background(), "g", "u")
	require.NoError(t, err)
	assert.Nil(t, link)
	require.Len(t, sched.sweeps, 1)
	assert.Equal(t, [2]string{"g", "u"}, sched.sweeps[0])
	assert.Equal(t, models.AuditVerifyUnlinked, st.audits[len(st.audits)-1].Action)

	// Unlinking again is a no-op.
	deleted, err = svc.Unlink(context.Background(), "g", "u")
	require.NoError(t, err)
	assert.False(t, deleted)
	require.Len(t, sched.sweeps, 1)
}

func TestCleanupSessions(t *testing.T) {
	svc, st, _ := newTestVerifyService()
	used, err := svc.CreateSession(context.Background(), "g", "u1")
	require.NoError(t, err)
	pubkey, sig := signChallenge(t, used.Session.ChallengeMessage)
	_, err = svc.Submit(context.Background(), used.Token, pubkey, sig)
	require.NoError(t, err)

	_, err = svc.CreateSession(context.Background(), "g", "u2")
	require.NoError(t, err)

	require.NoError(t, svc.CleanupSessions(context.Background()))
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Len(t, st.sessions, 1) // only the unused, unexpired session remains
}

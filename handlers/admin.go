package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"solgate/config"
	"solgate/logging"
	"solgate/middleware"
	"solgate/models"
	"solgate/store"
	"solgate/utils"
	"solgate/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	discordAuthorizeURL = "https://discord.com/oauth2/authorize"
	discordTokenURL     = "https://discord.com/api/oauth2/token"
	discordAPIBase      = "https://discord.com/api/v10"

	oauthStateTTL = 10 * time.Minute
	// MANAGE_GUILD bit; an operator only sees guilds they can manage.
	permManageGuild = 1 << 5
)

// AdminHandler serves the operator login flow and the rule CRUD consumed by
// the admin web client.
type AdminHandler struct {
	cfg    *config.Config
	store  *store.Store
	worker *workers.Reconciler
}

func NewAdminHandler(cfg *config.Config, st *store.Store, worker *workers.Reconciler) *AdminHandler {
	return &AdminHandler{cfg: cfg, store: st, worker: worker}
}

func SetupAdminRoutes(app *fiber.App, h *AdminHandler) {
	app.Get("/admin/login", h.login)
	app.Get("/admin/oauth/callback", h.oauthCallback)

	secured := app.Group("/admin", middleware.AdminAuth(h.cfg.AdminSessionSecret, h.cfg.AdminBaseURL))
	secured.Get("/me", h.me)
	secured.Get("/guilds/:guild_id/rules", h.listRules)
	secured.Post("/guilds/:guild_id/rules", h.createRule)
	secured.Patch("/guilds/:guild_id/rules/:rule_id", h.updateRule)
	secured.Delete("/guilds/:guild_id/rules/:rule_id", h.deleteRule)
	secured.Post("/guilds/:guild_id/recheck", h.recheck)
}

func (h *AdminHandler) redirectURI() string {
	return h.cfg.VerifyPublicURL + "/admin/oauth/callback"
}

func (h *AdminHandler) login(c *fiber.Ctx) error {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return fiber.ErrInternalServerError
	}
	state := hex.EncodeToString(raw)
	if _, err := rand.Read(raw); err != nil {
		return fiber.ErrInternalServerError
	}

	redirectPath := c.Query("redirect", "/")
	if !strings.HasPrefix(redirectPath, "/") {
		redirectPath = "/"
	}
	if err := h.store.CreateOAuthState(c.Context(), &models.OAuthState{
		State:        state,
		Nonce:        hex.EncodeToString(raw),
		RedirectPath: redirectPath,
		ExpiresAt:    time.Now().Add(oauthStateTTL),
	}); err != nil {
		logging.Error("storing oauth state failed", zap.Error(err))
		return fiber.ErrInternalServerError
	}

	authorize := fmt.Sprintf("%s?client_id=%s&response_type=code&scope=%s&state=%s&redirect_uri=%s&prompt=none",
		discordAuthorizeURL,
		url.QueryEscape(h.cfg.ApplicationID),
		url.QueryEscape(h.cfg.OAuthScopes),
		state,
		url.QueryEscape(h.redirectURI()))
	return c.Redirect(authorize, fiber.StatusFound)
}

func (h *AdminHandler) oauthCallback(c *fiber.Ctx) error {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		return badRequest(c, "VALIDATION", "code and state are required")
	}

	stored, err := h.store.ConsumeOAuthState(c.Context(), state, time.Now())
	if err != nil {
		logging.Error("consuming oauth state failed", zap.Error(err))
		return fiber.ErrInternalServerError
	}
	if stored == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "login expired, start again"})
	}

	accessToken, err := h.exchangeCode(c.Context(), code)
	if err != nil {
		logging.Error("oauth code exchange failed", zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "discord login failed"})
	}

	userID, err := h.fetchSelf(c.Context(), accessToken)
	if err != nil {
		logging.Error("fetching discord identity failed", zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "discord login failed"})
	}
	guilds, err := h.fetchManageableGuilds(c.Context(), accessToken)
	if err != nil {
		logging.Error("fetching discord guilds failed", zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "discord login failed"})
	}

	ttl := time.Duration(h.cfg.AdminSessionTTLH) * time.Hour
	now := time.Now()
	session, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    userID,
		"guilds": guilds,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}).SignedString([]byte(h.cfg.AdminSessionSecret))
	if err != nil {
		return fiber.ErrInternalServerError
	}

	c.Cookie(&fiber.Cookie{
		Name:     middleware.AdminSessionCookie,
		Value:    session,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HTTPOnly: true,
		Secure:   h.cfg.Production(),
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return c.Redirect(h.cfg.AdminBaseURL+stored.RedirectPath, fiber.StatusFound)
}

func (h *AdminHandler) exchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"client_id":     {h.cfg.ApplicationID},
		"client_secret": {h.cfg.ClientSecret},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {h.redirectURI()},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, discordTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := utils.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access token")
	}
	return payload.AccessToken, nil
}

func (h *AdminHandler) discordGet(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discordAPIBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := utils.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord %s returned %d: %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (h *AdminHandler) fetchSelf(ctx context.Context, accessToken string) (string, error) {
	var user struct {
		ID string `json:"id"`
	}
	if err := h.discordGet(ctx, accessToken, "/users/@me", &user); err != nil {
		return "", err
	}
	return user.ID, nil
}

func (h *AdminHandler) fetchManageableGuilds(ctx context.Context, accessToken string) ([]string, error) {
	var guilds []struct {
		ID          string `json:"id"`
		Permissions string `json:"permissions"`
	}
	if err := h.discordGet(ctx, accessToken, "/users/@me/guilds", &guilds); err != nil {
		return nil, err
	}
	var ids []string
	for _, g := range guilds {
		var perms uint64
		_, _ = fmt.Sscan(g.Permissions, &perms)
		if perms&permManageGuild != 0 {
			ids = append(ids, g.ID)
		}
	}
	return ids, nil
}

func (h *AdminHandler) me(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"discord_user_id": middleware.AdminUserID(c),
		"guilds":          middleware.AdminGuilds(c),
	})
}

// guildAllowed enforces that the operator's session covers the guild.
func guildAllowed(c *fiber.Ctx, guildID string) bool {
	for _, id := range middleware.AdminGuilds(c) {
		if id == guildID {
			return true
		}
	}
	return false
}

func (h *AdminHandler) listRules(c *fiber.Ctx) error {
	guildID := c.Params("guild_id")
	if !guildAllowed(c, guildID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "guild not accessible"})
	}
	rules, err := h.store.RulesForGuild(c.Context(), guildID)
	if err != nil {
		logging.Error("listing rules failed", zap.Error(err))
		return fiber.ErrInternalServerError
	}
	return c.JSON(fiber.Map{"rules": rules})
}

type ruleRequest struct {
	RoleID            string  `json:"role_id"`
	RuleType          string  `json:"rule_type"`
	Enabled           *bool   `json:"enabled"`
	Mint              *string `json:"mint"`
	ThresholdAmount   *string `json:"threshold_amount"`
	ThresholdUsd      *string `json:"threshold_usd"`
	PriceAssetID      *string `json:"price_asset_id"`
	CollectionAddress *string `json:"collection_address"`
	ThresholdCount    *int    `json:"threshold_count"`
}

// buildRule validates the request into a storable rule, collecting field
// errors for a structured 400.
func buildRule(req ruleRequest, guildID, createdBy string) (*models.GatingRule, map[string]string) {
	fields := map[string]string{}
	rule := &models.GatingRule{
		GuildID:   guildID,
		RoleID:    req.RoleID,
		RuleType:  models.RuleType(req.RuleType),
		Enabled:   true,
		CreatedBy: createdBy,
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.RoleID == "" {
		fields["role_id"] = "required"
	}

	parseDecimal := func(name string, raw *string) *decimal.Decimal {
		if raw == nil {
			fields[name] = "required"
			return nil
		}
		d, err := decimal.NewFromString(*raw)
		if err != nil || d.IsNegative() {
			fields[name] = "must be a non-negative decimal"
			return nil
		}
		return &d
	}

	switch rule.RuleType {
	case models.RuleTokenAmount:
		if req.Mint == nil || *req.Mint == "" {
			fields["mint"] = "required"
		}
		rule.Mint = req.Mint
		rule.ThresholdAmount = parseDecimal("threshold_amount", req.ThresholdAmount)
	case models.RuleTokenUsd:
		if req.Mint == nil || *req.Mint == "" {
			fields["mint"] = "required"
		}
		if req.PriceAssetID == nil || *req.PriceAssetID == "" {
			fields["price_asset_id"] = "required"
		}
		source := models.PriceSourceCoinGecko
		rule.Mint = req.Mint
		rule.PriceSource = &source
		rule.PriceAssetID = req.PriceAssetID
		rule.ThresholdUsd = parseDecimal("threshold_usd", req.ThresholdUsd)
	case models.RuleNftCollection:
		if req.CollectionAddress == nil || *req.CollectionAddress == "" {
			fields["collection_address"] = "required"
		}
		if req.ThresholdCount == nil || *req.ThresholdCount < 0 {
			fields["threshold_count"] = "must be a non-negative integer"
		}
		rule.CollectionAddress = req.CollectionAddress
		rule.ThresholdCount = req.ThresholdCount
	default:
		fields["rule_type"] = "must be TOKEN_AMOUNT, TOKEN_USD or NFT_COLLECTION"
	}

	if len(fields) > 0 {
		return nil, fields
	}
	return rule, nil
}

func (h *AdminHandler) createRule(c *fiber.Ctx) error {
	guildID := c.Params("guild_id")
	if !guildAllowed(c, guildID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "guild not accessible"})
	}
	var req ruleRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "VALIDATION", "invalid request body")
	}
	rule, fields := buildRule(req, guildID, middleware.AdminUserID(c))
	if fields != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"code": "VALIDATION", "fields": fields,
		})
	}
	if err := h.store.EnsureGuild(c.Context(), guildID); err != nil {
		logging.Error("ensuring guild failed", zap.Error(err))
		return fiber.ErrInternalServerError
	}
	if err := h.store.CreateRule(c.Context(), rule); err != nil {
		logging.Error("creating rule failed", zap.Error(err))
		return fiber.ErrInternalServerError
	}
	h.worker.EnqueueRecheck(guildID, "")
	return c.Status(fiber.StatusCreated).JSON(rule)
}

func (h *AdminHandler) updateRule(c *fiber.Ctx) error {
	guildID := c.Params("guild_id")
	if !guildAllowed(c, guildID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "guild not accessible"})
	}
	rule, err := h.store.RuleByID(c.Context(), guildID, c.Params("rule_id"))
	if err != nil {
		logging.Error("loading rule failed", zap.Error(err))
		return fiber.ErrInternalServerError
	}
	if rule == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "rule not found"})
	}

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "VALIDATION", "invalid request body")
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if err := h.store.SaveRule(c.Context(), rule); err != nil {
		logging.Error("saving rule failed", zap.Error(err))
		return fiber.ErrInternalServerError
	}
	h.worker.EnqueueRecheck(guildID, "")
	return c.JSON(rule)
}

func (h *AdminHandler) deleteRule(c *fiber.Ctx) error {
	guildID := c.Params("guild_id")
	if !guildAllowed(c, guildID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "guild not accessible"})
	}
	deleted, err := h.store.DeleteRule(c.Context(), guildID, c.Params("rule_id"))
	if err != nil {
		logging.Error("deleting rule failed", zap.Error(err))
		return fiber.ErrInternalServerError
	}
	if !deleted {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "rule not found"})
	}
	h.worker.EnqueueRecheck(guildID, "")
	return c.JSON(fiber.Map{"ok": true})
}

func (h *AdminHandler) recheck(c *fiber.Ctx) error {
	guildID := c.Params("guild_id")
	if !guildAllowed(c, guildID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "guild not accessible"})
	}
	var req struct {
		DiscordUserID string `json:"discord_user_id"`
	}
	_ = c.BodyParser(&req)
	h.worker.EnqueueRecheck(guildID, req.DiscordUserID)
	return c.JSON(fiber.Map{"ok": true})
}

package handlers

import (
	"errors"
	"time"

	"solgate/logging"
	"solgate/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// SetupVerifyRoutes registers the public verification surface: health check,
// signing page, challenge fetch and signature submit.
func SetupVerifyRoutes(app *fiber.App, verify *services.VerifyService) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/verify", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
		return c.SendString(signingPage)
	})

	app.Get("/verify/challenge", func(c *fiber.Ctx) error {
		token := c.Query("token")
		if token == "" {
			return badRequest(c, "SESSION_INVALID", "token is required")
		}
		sess, err := verify.GetChallenge(c.Context(), token)
		if err != nil {
			return verifyError(c, err)
		}
		return c.JSON(fiber.Map{
			"challenge_message": sess.ChallengeMessage,
			"expires_at":        sess.ExpiresAt.UTC().Format(time.RFC3339),
		})
	})

	app.Post("/verify/submit", func(c *fiber.Ctx) error {
		var req struct {
			Token           string `json:"token"`
			WalletPubkey    string `json:"wallet_pubkey"`
			SignatureBase58 string `json:"signature_base58"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "VALIDATION", "invalid request body")
		}
		if req.Token == "" || req.WalletPubkey == "" || req.SignatureBase58 == "" {
			return badRequest(c, "VALIDATION", "token, wallet_pubkey and signature_base58 are required")
		}

		result, err := verify.Submit(c.Context(), req.Token, req.WalletPubkey, req.SignatureBase58)
		if err != nil {
			return verifyError(c, err)
		}
		return c.JSON(fiber.Map{
			"ok":              true,
			"guild_id":        result.GuildID,
			"discord_user_id": result.DiscordUserID,
			"replaced":        result.Replaced,
		})
	})
}

func badRequest(c *fiber.Ctx, code, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"ok":    false,
		"code":  code,
		"error": msg,
	})
}

func verifyError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrSessionInvalid):
		return badRequest(c, "SESSION_INVALID", "session missing, expired or already used")
	case errors.Is(err, services.ErrInvalidSignature):
		return badRequest(c, "INVALID_SIGNATURE", "signature verification failed")
	case errors.Is(err, services.ErrValidation):
		return badRequest(c, "VALIDATION", err.Error())
	default:
		logging.Error("verification request failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"ok":    false,
			"code":  "INTERNAL",
			"error": "internal error",
		})
	}
}

// Minimal signing page: connects an injected Solana wallet, signs the
// session challenge, posts the signature back.
const signingPage = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Verify your wallet</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; }
button { font-size: 1rem; padding: 0.6rem 1.2rem; cursor: pointer; }
pre { background: #f4f4f4; padding: 1rem; white-space: pre-wrap; word-break: break-all; }
.err { color: #b00020; }
</style>
</head>
<body>
<h1>Verify your wallet</h1>
<p>Sign the challenge below with the wallet you want to link. Signing proves ownership; it costs nothing and sends no transaction.</p>
<pre id="challenge">Loading challenge…</pre>
<button id="sign">Connect wallet &amp; sign</button>
<p id="status"></p>
<script>
const token = new URLSearchParams(location.search).get("token");
const statusEl = document.getElementById("status");
const fail = (msg) => { statusEl.textContent = msg; statusEl.className = "err"; };

let challenge = null;
fetch("/verify/challenge?token=" + encodeURIComponent(token))
  .then(r => r.json())
  .then(body => {
    if (!body.challenge_message) throw new Error(body.error || "invalid session");
    challenge = body.challenge_message;
    document.getElementById("challenge").textContent = challenge;
  })
  .catch(e => fail("Could not load challenge: " + e.message));

document.getElementById("sign").onclick = async () => {
  try {
    const provider = window.phantom?.solana || window.solana;
    if (!provider) throw new Error("no Solana wallet extension found");
    await provider.connect();
    const encoded = new TextEncoder().encode(challenge);
    const signed = await provider.signMessage(encoded, "utf8");
    const resp = await fetch("/verify/submit", {
      method: "POST",
      headers: { "Content-Type": "application/json" },
      body: JSON.stringify({
        token: token,
        wallet_pubkey: provider.publicKey.toBase58(),
        signature_base58: signed.signature ? base58(signed.signature) : base58(signed)
      })
    });
    const body = await resp.json();
    if (!body.ok) throw new Error(body.error || "verification failed");
    statusEl.textContent = "Wallet verified! You can close this page.";
  } catch (e) {
    fail(e.message);
  }
};

const ALPHABET = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz";
function base58(bytes) {
  const digits = [0];
  for (const byte of bytes) {
    let carry = byte;
    for (let i = 0; i < digits.length; i++) {
      carry += digits[i] << 8;
      digits[i] = carry % 58;
      carry = (carry / 58) | 0;
    }
    while (carry) { digits.push(carry % 58); carry = (carry / 58) | 0; }
  }
  for (const byte of bytes) { if (byte) break; digits.push(0); }
  return digits.reverse().map(d => ALPHABET[d]).join("");
}
</script>
</body>
</html>`

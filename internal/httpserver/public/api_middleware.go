package public

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mheaton/tollgate/internal/app"
	"github.com/mheaton/tollgate/internal/httpserver/httputil"
	"github.com/mheaton/tollgate/internal/limits"
	"github.com/mheaton/tollgate/internal/requestctx"
	"github.com/mheaton/tollgate/internal/store"
)

const authBearerPrefix = "bearer "

// apiKeyAuth validates the Authorization bearer token and injects the caller
// identity into the request context. Lookup goes through the vault's keyed
// hash, so the database never sees a plaintext secret.
func apiKeyAuth(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if raw == "" {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "missing_authorization", "authorization header required")
		}
		if !strings.HasPrefix(strings.ToLower(raw), authBearerPrefix) {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "missing_authorization", "bearer token required")
		}
		secret := strings.TrimSpace(raw[len(authBearerPrefix):])
		if secret == "" {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid_api_key", "api key required")
		}

		ctx := userContext(c)
		key, err := container.Store.GetAPIKeyByHash(ctx, container.Vault.Hash(secret))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid_api_key", "invalid api key")
			}
			return httputil.WriteError(c, fiber.StatusInternalServerError, "", "api key lookup failed")
		}

		if !key.Active {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid_api_key", "api key revoked")
		}
		if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid_api_key", "api key expired")
		}
		if !ipAllowed(c.IP(), key.AllowedIPs) {
			return httputil.WriteError(c, fiber.StatusForbidden, "ip_not_allowed", "request origin not permitted for this key")
		}
		if !domainAllowed(c.Get(fiber.HeaderOrigin), c.Get(fiber.HeaderReferer), key.AllowedDomains) {
			return httputil.WriteError(c, fiber.StatusForbidden, "domain_not_allowed", "request origin not permitted for this key")
		}

		account, err := container.Store.GetAccount(ctx, key.AccountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid_api_key", "account not found")
			}
			return httputil.WriteError(c, fiber.StatusInternalServerError, "", "account lookup failed")
		}
		if !account.Active {
			return httputil.WriteError(c, fiber.StatusForbidden, "account_disabled", "account is disabled")
		}

		rc := &requestctx.Context{
			AccountID:   account.ID,
			KeyID:       key.ID,
			KeyRedacted: key.Redacted,
			Plan:        account.Plan,
			Scopes:      key.Scopes,
			RateLimit:   limits.Merge(container.DefaultLimits(), overrideLimits(key.RateLimit)),
		}

		if err := container.Store.TouchAPIKey(ctx, key.ID, time.Now().UTC()); err != nil {
			slog.Warn("update key last used", slog.String("key", key.Redacted), slog.String("error", err.Error()))
		}

		c.Locals(requestctx.FiberLocalsKey(), rc)
		c.SetUserContext(requestctx.WithContext(ctx, rc))
		return c.Next()
	}
}

// requireScope gates a route on one capability. Keys minted with "*" pass
// every gate.
func requireScope(scope string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rc, ok := requestctx.FromContext(c.UserContext())
		if !ok || rc == nil {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "missing_authorization", "authentication required")
		}
		if !rc.HasScope(scope) {
			return httputil.WriteError(c, fiber.StatusForbidden, "insufficient_scope", "api key does not grant the "+scope+" scope")
		}
		return c.Next()
	}
}

func overrideLimits(o store.RateLimitOverride) limits.Config {
	return limits.Config{
		RequestsPerMinute: o.RequestsPerMinute,
		RequestsPerHour:   o.RequestsPerHour,
		RequestsPerDay:    o.RequestsPerDay,
		TokensPerMinute:   o.TokensPerMinute,
		TokensPerHour:     o.TokensPerHour,
		TokensPerDay:      o.TokensPerDay,
		ParallelRequests:  o.ParallelRequests,
	}
}

// ipAllowed matches the client address against an allow-list of addresses and
// CIDR blocks. An empty list allows everything.
func ipAllowed(clientIP string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == clientIP {
			return true
		}
		if ip == nil {
			continue
		}
		if _, block, err := net.ParseCIDR(entry); err == nil && block.Contains(ip) {
			return true
		}
		if parsed := net.ParseIP(entry); parsed != nil && parsed.Equal(ip) {
			return true
		}
	}
	return false
}

// domainAllowed matches the Origin (or Referer) host against the allow-list.
// Entries starting with "*." match any subdomain. Requests without an origin
// header pass: the list guards browser traffic, not server-to-server calls.
func domainAllowed(origin, referer string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	host := originHost(origin)
	if host == "" {
		host = originHost(referer)
	}
	if host == "" {
		return true
	}
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, "*.") {
			if strings.HasSuffix(host, entry[1:]) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

func originHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Hostname())
}

func userContext(c *fiber.Ctx) context.Context {
	if c == nil {
		return context.Background()
	}
	if uc := c.UserContext(); uc != nil {
		return uc
	}
	return context.Background()
}

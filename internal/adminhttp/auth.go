// Пакет adminhttp реализует административную HTTP-поверхность движка:
// /healthz, /metrics, и bearer-JWT-защищённые POST /admin/flush,
// /admin/sync, /admin/snapshot (spec §6 "External interfaces" admin
// surface). Грунтуется на teacher'овских internal/api/middleware/auth.go
// (RS256+JWKS через keyfunc/jwkset/golang-jwt) и internal/server/server.go
// (chi router + graceful shutdown), реконструированных под домен
// движка, а не файлового API.
package adminhttp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims mirrors the admin token's expected shape: a subject plus a
// scope list in either OAuth2's space-separated "scope" string or a
// custom "scopes" array.
type Claims struct {
	jwt.RegisteredClaims
	ScopeString string   `json:"scope"`
	ScopeArray  []string `json:"scopes"`
}

func (c *Claims) Scopes() []string {
	var out []string
	if c.ScopeString != "" {
		out = append(out, strings.Split(c.ScopeString, " ")...)
	}
	return append(out, c.ScopeArray...)
}

const scopeAdmin = "xstore:admin"

// jwtAuth validates bearer tokens against a JWKS endpoint and requires
// the xstore:admin scope. When JWKSUrl is unset, New builds no jwtAuth
// and mounts /admin/* without it, e.g. for local single-node development.
type jwtAuth struct {
	jwks   keyfunc.Keyfunc
	leeway time.Duration
	logger *slog.Logger
}

func newJWTAuth(jwksURL string, leeway time.Duration, logger *slog.Logger) (*jwtAuth, error) {
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: 10 * time.Second, Transport: &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}}},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           5 * time.Minute,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("jwks refresh failed", slog.String("error", err.Error()), slog.String("url", jwksURL))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks storage: %w", err)
	}
	kf, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("keyfunc: %w", err)
	}
	return &jwtAuth{jwks: kf, leeway: leeway, logger: logger.With(slog.String("component", "admin_auth"))}, nil
}

func (j *jwtAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, j.jwks.KeyfuncCtx(r.Context()),
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(j.leeway),
		)
		if err != nil || !token.Valid {
			j.logger.Debug("token rejected", slog.String("remote_addr", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		for _, s := range claims.Scopes() {
			if s == scopeAdmin {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusForbidden, "token lacks required scope "+scopeAdmin)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}

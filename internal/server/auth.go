package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/crescitadigitale/Bot/internal/repo"
)

// AuthConfig configures admin authentication for the API. Participant-facing
// operations are open (the transport layer in front of the API owns
// participant identity); admin operations require a bearer credential.
type AuthConfig struct {
	JWTSecret string
	Logger    *zap.Logger
}

// Principal identifies an authenticated admin caller.
type Principal struct {
	ActorID string
	Admin   bool
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func requireAdmin(ctx context.Context) huma.StatusError {
	p, ok := principalFromContext(ctx)
	if !ok || !p.Admin {
		return newAPIError(http.StatusForbidden, "forbidden", "admin credential required", nil)
	}
	return nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	admin := false
	for _, role := range claims.Roles {
		if role == "admin" {
			admin = true
		}
	}
	return Principal{ActorID: claims.Subject, Admin: admin, Source: "jwt"}, nil
}

// newAuthMiddleware resolves an optional bearer credential: a signed JWT
// first, then a stored API key by hash. API keys are minted only by the
// operator, so any valid key carries admin.
func newAuthMiddleware(cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			header := req.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, req)
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			if token == "" {
				next.ServeHTTP(w, req)
				return
			}
			if p, err := authenticateJWT(token, cfg.JWTSecret); err == nil {
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
				return
			}
			key, err := r.GetAPIKeyByHash(req.Context(), repo.HashAPIKey(token))
			if err != nil {
				if !errors.Is(err, repo.ErrNotFound) {
					logger.Warn("api key lookup failed", zap.Error(err))
				}
				next.ServeHTTP(w, req)
				return
			}
			p := Principal{ActorID: key.ActorID, Admin: true, Source: "api_key"}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

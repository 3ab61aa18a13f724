package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tradegate/internal/domain"
)

const (
	RoleAdmin     = "admin"
	RoleScheduler = "scheduler"
)

type contextKey string

const contextKeyPrincipal contextKey = "principal"

// Principal is the authenticated caller. Session scopes rate limiting and
// preview ownership.
type Principal struct {
	Subject string
	Role    string
	Session string
}

// Origin maps the caller's role onto the command origin.
func (p Principal) Origin() domain.Origin {
	if p.Role == RoleScheduler {
		return domain.OriginScheduled
	}
	return domain.OriginManual
}

// SignToken issues an HS256 bearer token carrying sub, role and a fresh
// session id.
func SignToken(secret, subject, role string, ttl time.Duration) (string, time.Time, error) {
	if role != RoleAdmin && role != RoleScheduler {
		return "", time.Time{}, errors.New("role must be admin or scheduler")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"sid":  uuid.NewString(),
		"exp":  expiresAt.Unix(),
		"iat":  now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			// browsers cannot set headers on websocket upgrades
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid claims")
			return
		}
		p := Principal{}
		p.Subject, _ = claims["sub"].(string)
		p.Role, _ = claims["role"].(string)
		p.Session, _ = claims["sid"].(string)
		if p.Role != RoleAdmin && p.Role != RoleScheduler {
			writeError(w, http.StatusForbidden, "unknown role")
			return
		}
		if p.Session == "" {
			p.Session = p.Subject
		}
		ctx := context.WithValue(r.Context(), contextKeyPrincipal, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := principalFromContext(r.Context())
			if err != nil || p.Role != role {
				writeError(w, http.StatusForbidden, role+" role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func principalFromContext(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(contextKeyPrincipal).(Principal)
	if !ok {
		return Principal{}, errors.New("principal not found")
	}
	return p, nil
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyAdminID contextKey = "admin_id"

const tokenIssuer = "subgate"

// IssueAdminToken signs an HS256 bearer token whose subject is the admin's
// account id.
func IssueAdminToken(secret string, adminID int64, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, errors.New("admin JWT secret not configured")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	expires := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(adminID, 10),
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    tokenIssuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// adminMiddleware authenticates the bearer token and then asks the admin
// guard whether the subject still holds admin rights.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminJWTSecret == "" || s.admin == nil {
			respondError(w, http.StatusServiceUnavailable, errors.New("admin API disabled"))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondError(w, http.StatusUnauthorized, errors.New("missing authorization header"))
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			respondError(w, http.StatusUnauthorized, errors.New("invalid authorization header format"))
			return
		}

		token, err := jwt.ParseWithClaims(parts[1], &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(s.cfg.AdminJWTSecret), nil
		}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))
		if err != nil || !token.Valid {
			respondError(w, http.StatusUnauthorized, errors.New("invalid or expired token"))
			return
		}
		claims, ok := token.Claims.(*jwt.RegisteredClaims)
		if !ok {
			respondError(w, http.StatusUnauthorized, errors.New("invalid token claims"))
			return
		}
		adminID, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil {
			respondError(w, http.StatusUnauthorized, errors.New("invalid token subject"))
			return
		}
		if err := s.admin.Authorizer().Require(adminID); err != nil {
			respondError(w, http.StatusForbidden, err)
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyAdminID, adminID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func adminIDFromContext(ctx context.Context) int64 {
	if id, ok := ctx.Value(contextKeyAdminID).(int64); ok {
		return id
	}
	return 0
}

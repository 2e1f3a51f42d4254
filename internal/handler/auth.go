package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/procurehub/be-po-orders/internal/repository"
	"github.com/procurehub/be-po-orders/internal/service"
)

type contextKey string

const actorKey contextKey = "actor"

// Auth validates the Bearer token and stores the authenticated actor in the
// request context. Tokens are HMAC-signed with claims user_id, hub_id, role
// and name.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authorization header required")
				return
			}
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authorization header must be in format 'Bearer <token>'")
				return
			}

			token, err := jwt.Parse(parts[1], func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "the provided token is invalid or expired")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token claims")
				return
			}
			actor, ok := actorFromClaims(claims)
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "token is missing required claims")
				return
			}

			ctx := context.WithValue(r.Context(), actorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFromClaims(claims jwt.MapClaims) (service.Actor, bool) {
	userID, ok := claims["user_id"].(float64)
	if !ok {
		return service.Actor{}, false
	}
	hubID, ok := claims["hub_id"].(float64)
	if !ok {
		return service.Actor{}, false
	}
	actor := service.Actor{
		ID:    int64(userID),
		HubID: int64(hubID),
	}
	if role, ok := claims["role"].(string); ok {
		actor.Role = repository.UserRole(role)
	}
	if name, ok := claims["name"].(string); ok {
		actor.Name = name
	}
	return actor, true
}

// actorFrom returns the actor stored by Auth.
func actorFrom(r *http.Request) (service.Actor, bool) {
	actor, ok := r.Context().Value(actorKey).(service.Actor)
	return actor, ok
}

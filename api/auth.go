package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"escrowflow/deal"
)

type contextKey string

const actorKey contextKey = "actor"

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (deal.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(deal.Actor)
	return actor, ok
}

// IssueToken mints an HS256 token carrying the actor's identity claims.
// Exposed for operator tooling and tests.
func IssueToken(secret []byte, actor deal.Actor, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"actor_id": actor.CommunityID,
		"wallet":   actor.Wallet,
		"exp":      time.Now().Add(ttl).Unix(),
		"iat":      time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// verifyToken validates an HS256 token and extracts the actor claims.
func verifyToken(secret []byte, tokenString string) (deal.Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return deal.Actor{}, fmt.Errorf("api: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return deal.Actor{}, fmt.Errorf("api: invalid token")
	}

	actorID, ok := claims["actor_id"].(string)
	if !ok {
		return deal.Actor{}, fmt.Errorf("api: invalid actor_id in token")
	}
	wallet, _ := claims["wallet"].(string)
	if actorID == "" && wallet == "" {
		return deal.Actor{}, fmt.Errorf("api: token carries no identity")
	}
	return deal.Actor{CommunityID: actorID, Wallet: wallet}, nil
}

// requireActor authenticates the bearer token and stores the actor on the
// request context.
func (s *Server) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		actor, err := verifyToken(s.jwtSecret, tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

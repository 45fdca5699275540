package gateway

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/mercatoapp/mercato-server/internal/database"
	"github.com/mercatoapp/mercato-server/internal/types"
)

const userIdClaim = "user-id"

var (
	ErrMissingToken    = errors.New("missing auth token")
	ErrExpiredToken    = errors.New("auth token expired")
	ErrInvalidToken    = errors.New("invalid auth token")
	ErrLookupTimeout   = errors.New("account lookup timed out")
	ErrAccountNotFound = errors.New("account not found")
)

// SessionAuthenticator gates the websocket handshake: it verifies the
// bearer credential and resolves its subject to a live account before
// any connection state exists.
type SessionAuthenticator struct {
	db            database.MercatoRepository
	signingKey    []byte
	lookupTimeout time.Duration
}

func NewSessionAuthenticator(db database.MercatoRepository, signingKey []byte, lookupTimeout time.Duration) *SessionAuthenticator {
	return &SessionAuthenticator{
		db:            db,
		signingKey:    signingKey,
		lookupTimeout: lookupTimeout,
	}
}

// TokenFromRequest extracts the bearer token from the Authorization
// header, falling back to the "token" query parameter for browser
// websocket clients that cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
	}

	return r.URL.Query().Get("token")
}

// Authenticate verifies tokenString and resolves its subject. Every
// failure mode maps to a distinct sentinel error so the caller can
// report it before closing the handshake.
func (a *SessionAuthenticator) Authenticate(ctx context.Context, tokenString string) (types.User, error) {
	if tokenString == "" {
		return types.User{}, ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return a.signingKey, nil
	})
	if err != nil {
		var vErr *jwt.ValidationError
		if errors.As(err, &vErr) && vErr.Errors&jwt.ValidationErrorExpired != 0 {
			return types.User{}, ErrExpiredToken
		}
		return types.User{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return types.User{}, ErrInvalidToken
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok {
		return types.User{}, ErrInvalidToken
	}

	return a.lookupAccount(ctx, int(userId))
}

func (a *SessionAuthenticator) lookupAccount(ctx context.Context, userId int) (types.User, error) {
	ctx, cancel := context.WithTimeout(ctx, a.lookupTimeout)
	defer cancel()

	type lookupResult struct {
		user database.User
		err  error
	}

	resultChan := make(chan lookupResult, 1)
	go func() {
		user, err := a.db.GetAccountById(userId)
		resultChan <- lookupResult{user: user, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			if errors.Is(res.err, sql.ErrNoRows) {
				return types.User{}, ErrAccountNotFound
			}
			return types.User{}, res.err
		}

		return types.User{
			Id:        res.user.Id,
			Username:  res.user.Username,
			PhotoUrl:  res.user.PhotoUrl,
			CreatedAt: res.user.CreatedAt,
			UpdatedAt: res.user.UpdatedAt,
		}, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.User{}, ErrLookupTimeout
		}
		return types.User{}, ctx.Err()
	}
}

package shared

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Session is the server-side state behind a bearer token.
type Session struct {
	ID        string    `json:"-"`
	AccountID string    `json:"account_id"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"ua"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionStore keeps bearer sessions in Redis.
type SessionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &SessionStore{client: client, prefix: "session:", ttl: ttl}
}

// TTL reports the lifetime given to new sessions.
func (s *SessionStore) TTL() time.Duration { return s.ttl }

// Create persists a new session for the account and returns it with its id.
func (s *SessionStore) Create(ctx context.Context, accountID, ip, ua string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		AccountID: accountID,
		IP:        ip,
		UserAgent: ua,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, s.redisKey(sess.ID), payload, s.ttl).Err(); err != nil {
		return nil, Dependency("session: create", err)
	}
	return sess, nil
}

// Load fetches the session for token. A missing or expired session yields
// ErrUnauthenticated.
func (s *SessionStore) Load(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	payload, err := s.client.Get(ctx, s.redisKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrUnauthenticated
		}
		return nil, Dependency("session: load", err)
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, ErrUnauthenticated
	}
	sess.ID = token
	return &sess, nil
}

// Destroy removes the session.
func (s *SessionStore) Destroy(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.redisKey(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return Dependency("session: destroy", err)
	}
	return nil
}

func (s *SessionStore) redisKey(id string) string {
	return s.prefix + id
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

type sessionContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

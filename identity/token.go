package identity

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("identity: invalid token")

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

func GenerateToken(secret, userID string) (string, error) {
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(7 * 24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenSession derives the current identity from a bearer token issued by
// the backend. SetToken signs in, Clear signs out.
type TokenSession struct {
	notifier
	secret string

	mu     sync.RWMutex
	userID string
	token  string
}

func NewTokenSession(secret string) *TokenSession {
	return &TokenSession{secret: secret}
}

func (s *TokenSession) SetToken(tokenString string) error {
	claims, err := ParseToken(s.secret, tokenString)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.userID = claims.UserID
	s.token = tokenString
	s.mu.Unlock()
	s.publish(claims.UserID)
	return nil
}

func (s *TokenSession) Clear() {
	s.mu.Lock()
	s.userID = ""
	s.token = ""
	s.mu.Unlock()
	s.publish("")
}

func (s *TokenSession) CurrentUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *TokenSession) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *TokenSession) Changes() <-chan string { return s.subscribe() }

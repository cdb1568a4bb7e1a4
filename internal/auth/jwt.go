package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/satriahrh/lyeria/server/domain"
	"github.com/satriahrh/lyeria/server/domain/entities"
)

const defaultTokenTTL = 24 * time.Hour

// RoomClaims represents the claims of a room join token
type RoomClaims struct {
	RoomID string        `json:"room_id"`
	Role   entities.Role `json:"role"`
	jwt.RegisteredClaims
}

// SlotID identifies the reservation the token was issued for
func (c *RoomClaims) SlotID() string {
	return c.ID
}

// TokenService issues and verifies room scoped tokens. It holds no state
// other than the signing secret.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a new TokenService
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue generates a token for (roomID, role). slotID binds the token to one
// reservation of the slot; an empty slotID gets a fresh one.
func (s *TokenService) Issue(roomID string, role entities.Role, slotID string) (string, *RoomClaims, error) {
	if slotID == "" {
		slotID = uuid.NewString()
	}
	now := s.now()
	claims := &RoomClaims{
		RoomID: roomID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        slotID,
			Subject:   string(role),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// Verify validates a token for roomID and returns its claims
func (s *TokenService) Verify(tokenString, roomID string) (*RoomClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing token", domain.ErrInvalidToken)
	}

	token, err := jwt.ParseWithClaims(tokenString, &RoomClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", domain.ErrExpiredToken, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*RoomClaims)
	if !ok || !token.Valid {
		return nil, domain.ErrInvalidToken
	}
	if claims.RoomID != roomID {
		return nil, fmt.Errorf("%w: token issued for another room", domain.ErrInvalidToken)
	}
	if _, ok := entities.ParseRole(string(claims.Role)); !ok {
		return nil, fmt.Errorf("%w: unknown role", domain.ErrInvalidToken)
	}
	return claims, nil
}

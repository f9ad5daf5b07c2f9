package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"voicebridge/internal/core/domain"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// AuthService mints and validates meeting join tokens. A token admits one
// user into one meeting.
type AuthService interface {
	GenerateJoinToken(meetingID domain.MeetingID, userID domain.UserID, displayName string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

type Claims struct {
	MeetingID   domain.MeetingID `json:"meeting_id"`
	UserID      domain.UserID    `json:"user_id"`
	DisplayName string           `json:"display_name"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret    []byte
	joinTokenTTL time.Duration
}

func NewAuthService(jwtSecret string, joinTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:    []byte(jwtSecret),
		joinTokenTTL: joinTokenTTL,
	}
}

func (s *authService) GenerateJoinToken(meetingID domain.MeetingID, userID domain.UserID, displayName string) (string, error) {
	claims := &Claims{
		MeetingID:   meetingID,
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.joinTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

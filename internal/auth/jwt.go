package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"chatsync/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

var ErrWrongTokenKind = errors.New("wrong token kind")

type Claims struct {
	UserID string     `json:"sub"`
	Role   model.Role `json:"role"`
	Kind   TokenKind  `json:"typ"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret        string
	Expiry        time.Duration
	RefreshExpiry time.Duration
	Issuer        string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret:        secret,
		Expiry:        15 * time.Minute,
		RefreshExpiry: 7 * 24 * time.Hour,
		Issuer:        "chatsync-devserver",
	}
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func IssueTokenPair(p model.Principal, cfg TokenConfig) (TokenPair, error) {
	access, expiresAt, err := CreateToken(p, KindAccess, cfg)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, _, err := CreateToken(p, KindRefresh, cfg)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt}, nil
}

func CreateToken(p model.Principal, kind TokenKind, cfg TokenConfig) (string, time.Time, error) {
	if cfg.Secret == "" {
		return "", time.Time{}, errors.New("missing secret")
	}
	if p.ID == "" {
		return "", time.Time{}, errors.New("missing userID")
	}
	if !p.Role.Valid() {
		return "", time.Time{}, errors.New("invalid role")
	}

	expiry := cfg.Expiry
	if kind == KindRefresh {
		expiry = cfg.RefreshExpiry
	}
	if expiry <= 0 {
		return "", time.Time{}, errors.New("invalid expiry")
	}

	jtiBytes := make([]byte, 16)
	if _, err := rand.Read(jtiBytes); err != nil {
		return "", time.Time{}, err
	}

	now := time.Now()
	expiresAt := now.Add(expiry)
	claims := Claims{
		UserID: p.ID,
		Role:   p.Role,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        hex.EncodeToString(jtiBytes),
			Subject:   p.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	// NumericDate drops sub-second precision; report what the token carries.
	return signed, claims.ExpiresAt.Time, nil
}

func VerifyToken(tokenString string, kind TokenKind, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.Kind != kind {
		return nil, ErrWrongTokenKind
	}
	return claims, nil
}

// Package auth issues and validates operator tokens. Session handling lives
// outside this service; it only checks signed tokens.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenMissing = errors.New("token is missing")
)

// Operator roles.
const (
	RoleAdmin    = "admin"
	RoleApprover = "approver"
	RoleViewer   = "viewer"
)

type Claims struct {
	OperatorID string   `json:"operator_id"`
	Name       string   `json:"name"`
	Roles      []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role. Admins hold every role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

type JWTService struct {
	secretKey   []byte
	tokenExpiry time.Duration
	issuer      string
}

func NewJWTService(secretKey string, tokenExpiry time.Duration, issuer string) *JWTService {
	return &JWTService{
		secretKey:   []byte(secretKey),
		tokenExpiry: tokenExpiry,
		issuer:      issuer,
	}
}

// GenerateToken signs an HS256 operator token.
func (j *JWTService) GenerateToken(operatorID, name string, roles []string) (string, error) {
	now := time.Now()
	claims := Claims{
		OperatorID: operatorID,
		Name:       name,
		Roles:      roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(j.tokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    j.issuer,
			Subject:   operatorID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrTokenMissing
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return j.secretKey, nil
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.OperatorID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in operator tokens.
const (
	RoleOperator = "operator"
	RoleDevice   = "device"
)

var (
	// ErrBadCredentials is returned when an operator key does not match.
	ErrBadCredentials = errors.New("invalid operator credentials")
	// ErrInvalidToken is returned for tokens that fail validation.
	ErrInvalidToken = errors.New("invalid token")
)

// Token is a signed access token and its expiry.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Role        string    `json:"role"`
}

// Claims represents JWT payload.
type Claims struct {
	Role   string `json:"role"`
	Device string `json:"device,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and validates HS256 tokens for one device.
type Issuer struct {
	key    []byte
	issuer string
	device string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer builds an Issuer. key must be non-empty.
func NewIssuer(key, issuer, device string, ttl time.Duration) (*Issuer, error) {
	if key == "" {
		return nil, errors.New("jwt signing key required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %v", ttl)
	}
	return &Issuer{key: []byte(key), issuer: issuer, device: device, ttl: ttl, now: time.Now}, nil
}

// Issue signs an access token for subject with role.
func (i *Issuer) Issue(subject, role string) (Token, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		Role:   role,
		Device: i.device,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: signed, ExpiresAt: exp, Role: role}, nil
}

// Parse validates a token and returns claims.
func (i *Issuer) Parse(tokenStr string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return i.key, nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	return *claims, nil
}

// Exchange trades the shared operator key for an operator token.
func (i *Issuer) Exchange(given, want, subject string) (Token, error) {
	if want == "" || subtle.ConstantTimeCompare([]byte(given), []byte(want)) != 1 {
		return Token{}, ErrBadCredentials
	}
	if subject == "" {
		subject = RoleOperator
	}
	return i.Issue(subject, RoleOperator)
}

package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour
)

// TokenPair represents freshly minted access and refresh tokens.
type TokenPair struct {
	Access           string
	Refresh          string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Claims are the JWT claims shared by both token types.
type Claims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 token pairs bound to an account
// identifier. Tokens are never persisted; verification is stateless.
type TokenIssuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// IssuerOption configures a TokenIssuer.
type IssuerOption func(*TokenIssuer)

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) IssuerOption {
	return func(ti *TokenIssuer) {
		if s := strings.TrimSpace(issuer); s != "" {
			ti.issuer = s
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(ti *TokenIssuer) {
		if ttl > 0 {
			ti.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) IssuerOption {
	return func(ti *TokenIssuer) {
		if ttl > 0 {
			ti.refreshTTL = ttl
		}
	}
}

// WithIssuerClock overrides the time source (useful for tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(ti *TokenIssuer) {
		if fn != nil {
			ti.now = fn
		}
	}
}

// NewTokenIssuer constructs a TokenIssuer with the given signing secret.
func NewTokenIssuer(secret string, opts ...IssuerOption) (*TokenIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("identity: token secret is required")
	}
	ti := &TokenIssuer{
		secret:     []byte(secret),
		issuer:     "idgate",
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		opt(ti)
	}
	if ti.now == nil {
		ti.now = time.Now
	}
	return ti, nil
}

// Pair mints a refresh token and a derived access token for accountID.
func (ti *TokenIssuer) Pair(accountID string) (TokenPair, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return TokenPair{}, errors.New("identity: account id is required")
	}
	now := ti.now().UTC()
	access, accessExp, err := ti.sign(accountID, tokenTypeAccess, now, ti.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := ti.sign(accountID, tokenTypeRefresh, now, ti.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		Access:           access,
		Refresh:          refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Access mints a new access token for accountID.
func (ti *TokenIssuer) Access(accountID string) (string, time.Time, error) {
	return ti.sign(accountID, tokenTypeAccess, ti.now().UTC(), ti.accessTTL)
}

func (ti *TokenIssuer) sign(accountID, tokenType string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := Claims{
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ti.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// VerifyAccess validates an access token and returns its claims.
func (ti *TokenIssuer) VerifyAccess(token string) (*Claims, error) {
	return ti.verify(token, tokenTypeAccess)
}

// VerifyRefresh validates a refresh token and returns its claims.
func (ti *TokenIssuer) VerifyRefresh(token string) (*Claims, error) {
	return ti.verify(token, tokenTypeRefresh)
}

func (ti *TokenIssuer) verify(token, wantType string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return ti.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return ti.now().UTC() }), jwt.WithIssuer(ti.issuer))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != wantType {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

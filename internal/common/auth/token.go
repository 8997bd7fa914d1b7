package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"contestjudge/internal/common/cache"
	pkgerrors "contestjudge/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

const revokedKeyPrefix = "auth:revoked:"

// Identity is the authenticated caller bound to a connection or request.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// Config holds token verification settings.
type Config struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// Verifier validates HS256 access tokens signed with the platform secret.
type Verifier struct {
	secret  []byte
	issuer  string
	revoked cache.Cache
}

// NewVerifier creates a verifier. revoked may be nil to skip the revocation lookup.
func NewVerifier(cfg Config, revoked cache.Cache) (*Verifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Verifier{
		secret:  []byte(cfg.Secret),
		issuer:  cfg.Issuer,
		revoked: revoked,
	}, nil
}

// tokenClaims accepts both the platform layout {sub, typ, role} and the
// legacy client layout {id, email, role}.
type tokenClaims struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Authenticate verifies the raw token and returns the identity it proves.
func (v *Verifier) Authenticate(ctx context.Context, raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, pkgerrors.New(pkgerrors.TokenMissing)
	}
	claims, err := v.parse(raw)
	if err != nil {
		return Identity{}, err
	}
	userID := claims.Subject
	if userID == "" {
		userID = claims.ID
	}
	if userID == "" {
		return Identity{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if v.revoked != nil {
		val, err := v.revoked.Get(ctx, revokedKeyPrefix+hashToken(raw))
		if err != nil {
			return Identity{}, pkgerrors.Wrap(err, pkgerrors.ServiceUnavailable)
		}
		if val != "" {
			return Identity{}, pkgerrors.New(pkgerrors.TokenInvalid).WithMessage("token revoked")
		}
	}
	return Identity{UserID: userID, Email: claims.Email, Role: claims.Role}, nil
}

func (v *Verifier) parse(raw string) (*tokenClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.TokenInvalid).WithMessage("invalid token")
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.TokenType != "" && claims.TokenType != "access" {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid).WithMessage("not an access token")
	}
	return claims, nil
}

// ExtractBearerToken returns the token of an "Authorization: Bearer <token>" header value.
func ExtractBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

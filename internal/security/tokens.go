package security

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed or invalid.
	ErrInvalidToken = errors.New("invalid token")
)

// CallerClaims holds the JWT claims of an API caller. ProjectRoles is optional; when the
// gateway embeds it, the role for a project is taken from the token instead of headers.
type CallerClaims struct {
	jwt.RegisteredClaims
	ProjectRoles map[string]string `json:"project_roles,omitempty"`
}

// RoleFor returns the role the token grants in projectID, if the token carries roles.
func (c *CallerClaims) RoleFor(projectID string) (string, bool) {
	if c.ProjectRoles == nil {
		return "", false
	}
	r, ok := c.ProjectRoles[projectID]
	return r, ok
}

// TokenVerifier validates caller JWTs signed with RS256 or ES256 by the auth service.
type TokenVerifier struct {
	publicKey crypto.PublicKey
	issuer    string
	audience  string
}

// NewTokenVerifier returns a verifier for tokens signed by the holder of the private half of publicKey.
// Empty issuer or audience disables that check.
func NewTokenVerifier(publicKey crypto.PublicKey, issuer, audience string) *TokenVerifier {
	return &TokenVerifier{publicKey: publicKey, issuer: issuer, audience: audience}
}

// Verify parses and validates tokenString (signature, exp, iss, aud) and returns its claims.
func (v *TokenVerifier) Verify(tokenString string) (*CallerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CallerClaims{}, func(token *jwt.Token) (interface{}, error) {
		want := SigningMethodFor(v.publicKey)
		if want == nil || token.Method.Alg() != want.Alg() {
			return nil, ErrInvalidToken
		}
		return v.publicKey, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*CallerClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, ErrInvalidToken
	}
	if v.audience != "" && !slices.Contains([]string(claims.Audience), v.audience) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenIssuer signs caller tokens. Production tokens come from the auth service;
// the issuer exists for local seeding and tests.
type TokenIssuer struct {
	privateKey crypto.Signer
	issuer     string
	audience   string
	ttl        time.Duration
}

// NewTokenIssuer returns an issuer that signs with privateKey (RS256 or ES256).
func NewTokenIssuer(privateKey crypto.Signer, issuer, audience string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{privateKey: privateKey, issuer: issuer, audience: audience, ttl: ttl}
}

// Issue returns a signed token for userID with optional per-project roles, and its expiry.
func (p *TokenIssuer) Issue(userID string, projectRoles map[string]string) (string, time.Time, error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now().UTC()
	expiresAt := now.Add(p.ttl)
	claims := CallerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ProjectRoles: projectRoles,
	}
	method := SigningMethodFor(p.privateKey.Public())
	if method == nil {
		return "", time.Time{}, ErrInvalidToken
	}
	token, err := jwt.NewWithClaims(method, claims).SignedString(p.privateKey)
	return token, expiresAt, err
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

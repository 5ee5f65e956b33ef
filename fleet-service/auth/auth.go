// Package auth verifies the bearer tokens presented to the HTTP surface
// and projects them into the principal claims the authorization gate
// consumes. Tokens are issued by the workspace's identity provider;
// verification keys come from its JWKS endpoint, or from a static shared
// secret when running locally without one.
package auth

import (
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"github.com/uktrade/data-workspace-fleet/fleet-service/config"
	"github.com/uktrade/data-workspace-fleet/fleet-service/errdefs"
	"github.com/uktrade/data-workspace-fleet/types"
	"github.com/uktrade/data-workspace-fleet/utils"
	logger "github.com/uktrade/data-workspace-fleet/workspacelogger"
)

// Claims is the principal projection carried by a verified token.
type Claims struct {
	Subject   types.PrincipalID
	Email     string
	Active    bool
	Tools     []string
	Superuser bool
}

// EmailDomain returns the domain part of the principal's email address,
// lowercased, or the empty string when no email claim was present.
func (c Claims) EmailDomain() types.EmailDomain {
	at := strings.LastIndexByte(c.Email, '@')
	if at < 0 || at == len(c.Email)-1 {
		return ""
	}
	return types.EmailDomain(strings.ToLower(c.Email[at+1:]))
}

// rawClaims is the wire shape of the identity provider's tokens.
type rawClaims struct {
	jwt.RegisteredClaims
	Email     string   `json:"email"`
	Active    bool     `json:"active"`
	Tools     []string `json:"tools"`
	Superuser bool     `json:"superuser"`
}

// A Verifier checks token signatures and extracts claims.
type Verifier struct {
	jwks   *keyfunc.JWKS
	secret []byte
}

// NewVerifier builds a Verifier from the configured key sources. With a
// JWKS URL configured the key set is fetched and kept refreshed in the
// background; otherwise the static secret is used, which is only
// acceptable for local development.
func NewVerifier() (*Verifier, error) {
	jwksURL := config.GetJWKSURL()
	if jwksURL == "" {
		secret := config.GetJWTSecret()
		if secret == "" {
			return nil, utils.MakeError("neither JWKS_URL nor JWT_SECRET is configured")
		}
		logger.Warning(utils.MakeError("verifying tokens with a static secret, only do this locally"))
		return &Verifier{secret: []byte(secret)}, nil
	}

	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.Errorf("Couldn't refresh JWKS from %s: %s", jwksURL, err)
		},
	})
	if err != nil {
		return nil, utils.MakeError("couldn't fetch JWKS from %s: %s", jwksURL, err)
	}

	return &Verifier{jwks: jwks}, nil
}

// Close stops the background JWKS refresh, if any.
func (v *Verifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// keyFor resolves the verification key for a parsed token header.
func (v *Verifier) keyFor(token *jwt.Token) (interface{}, error) {
	if v.jwks != nil {
		return v.jwks.Keyfunc(token)
	}
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, utils.MakeError("unexpected signing method %s", token.Method.Alg())
	}
	return v.secret, nil
}

// Verify checks the signature and standard claims of a bearer token and
// returns the principal projection. All failures are errdefs.Forbidden;
// callers need not distinguish a bad signature from an expired token.
func (v *Verifier) Verify(tokenString string) (Claims, error) {
	var raw rawClaims
	token, err := jwt.ParseWithClaims(tokenString, &raw, v.keyFor)
	if err != nil {
		return Claims{}, errdefs.Wrap(errdefs.Forbidden, err, "invalid token")
	}
	if !token.Valid {
		return Claims{}, errdefs.New(errdefs.Forbidden, "invalid token")
	}
	if raw.Subject == "" {
		return Claims{}, errdefs.New(errdefs.Forbidden, "token has no subject")
	}

	return Claims{
		Subject:   types.PrincipalID(raw.Subject),
		Email:     raw.Email,
		Active:    raw.Active,
		Tools:     raw.Tools,
		Superuser: raw.Superuser,
	}, nil
}

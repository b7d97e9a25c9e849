package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// Claims is the access-token claim set. Epoch carries the user's trust
// epoch at issuance; validate() compares it against the live value.
type Claims struct {
	Subject   string
	ClientID  string
	AppID     string
	SessionID string
	Scope     string
	Epoch     int64
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer signs access tokens with the active key of an immutable keyring.
type Issuer struct {
	Iss       string
	Keys      *Keyring
	AccessTTL time.Duration
}

func NewIssuer(iss string, keys *Keyring, accessTTL time.Duration) *Issuer {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	return &Issuer{Iss: iss, Keys: keys, AccessTTL: accessTTL}
}

// Keyfunc selects the verification key by the token's kid header.
func (i *Issuer) Keyfunc() jwtv5.Keyfunc {
	return func(t *jwtv5.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("kid_missing")
		}
		pub, err := i.Keys.PublicKeyByKID(kid)
		if err != nil {
			return nil, err
		}
		return ed25519.PublicKey(pub), nil
	}
}

// IssueAccess signs an access token for the claim set.
func (i *Issuer) IssueAccess(c Claims) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(i.AccessTTL)

	k := i.Keys.Active()
	claims := jwtv5.MapClaims{
		"iss":   i.Iss,
		"sub":   c.Subject,
		"aud":   c.ClientID,
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"exp":   exp.Unix(),
		"app":   c.AppID,
		"sid":   c.SessionID,
		"scope": c.Scope,
		"epoch": c.Epoch,
	}
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, claims)
	tk.Header["kid"] = k.KID
	tk.Header["typ"] = "JWT"

	signed, err := tk.SignedString(k.Priv)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseAccess verifies signature, issuer and expiry and returns the claims.
// Freshness against the credential store is the Service's job, not the
// parser's.
func (i *Issuer) ParseAccess(raw string) (*Claims, error) {
	tk, err := jwtv5.Parse(raw, i.Keyfunc(),
		jwtv5.WithValidMethods([]string{"EdDSA"}),
		jwtv5.WithIssuer(i.Iss),
	)
	if err != nil || !tk.Valid {
		return nil, ErrInvalidToken
	}
	mc, ok := tk.Claims.(jwtv5.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	c := &Claims{}
	c.Subject, _ = mc["sub"].(string)
	c.AppID, _ = mc["app"].(string)
	c.SessionID, _ = mc["sid"].(string)
	c.Scope, _ = mc["scope"].(string)
	if aud, err := mc.GetAudience(); err == nil && len(aud) > 0 {
		c.ClientID = aud[0]
	}
	switch v := mc["epoch"].(type) {
	case float64:
		c.Epoch = int64(v)
	case int64:
		c.Epoch = v
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if c.Subject == "" || c.SessionID == "" {
		return nil, fmt.Errorf("%w: incomplete claims", ErrInvalidToken)
	}
	return c, nil
}

package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Key is one Ed25519 signing key identified by KID.
type Key struct {
	KID  string
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
	Alg  string // "EdDSA"
}

// GenerateKey creates a fresh Ed25519 key with the given KID.
func GenerateKey(kid string) (Key, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Key{}, err
	}
	return Key{KID: kid, Priv: priv, Pub: pub, Alg: "EdDSA"}, nil
}

// KeyFromSeed rebuilds a deterministic key from a base64 32-byte Ed25519
// seed, so signing keys survive restarts when configured.
func KeyFromSeed(kid, seed string) (Key, error) {
	raw, err := base64.StdEncoding.DecodeString(seed)
	if err != nil {
		return Key{}, fmt.Errorf("token: key %s: bad seed encoding: %w", kid, err)
	}
	if len(raw) != ed25519.SeedSize {
		return Key{}, fmt.Errorf("token: key %s: seed must be %d bytes", kid, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(raw)
	return Key{KID: kid, Priv: priv, Pub: priv.Public().(ed25519.PublicKey), Alg: "EdDSA"}, nil
}

// Keyring is an immutable ordered key list: the first key signs, every key
// verifies. Rotation builds a new ring with the fresh key prepended rather
// than mutating shared state.
type Keyring struct {
	keys []Key
}

func NewKeyring(keys ...Key) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, errors.New("token: keyring needs at least one key")
	}
	seen := map[string]bool{}
	for _, k := range keys {
		if k.KID == "" || len(k.Pub) == 0 {
			return nil, errors.New("token: key missing kid or public key")
		}
		if seen[k.KID] {
			return nil, fmt.Errorf("token: duplicate kid %q", k.KID)
		}
		seen[k.KID] = true
	}
	return &Keyring{keys: append([]Key(nil), keys...)}, nil
}

// Active returns the signing key.
func (r *Keyring) Active() Key { return r.keys[0] }

// PublicKeyByKID resolves a verification key.
func (r *Keyring) PublicKeyByKID(kid string) (ed25519.PublicKey, error) {
	for _, k := range r.keys {
		if k.KID == kid {
			return k.Pub, nil
		}
	}
	return nil, fmt.Errorf("token: unknown kid %q", kid)
}

// WithRotated returns a new ring where fresh signs and the previous keys
// keep verifying.
func (r *Keyring) WithRotated(fresh Key) (*Keyring, error) {
	return NewKeyring(append([]Key{fresh}, r.keys...)...)
}

// ----- JWKS -----

type jwk struct {
	Kty string `json:"kty"` // "OKP"
	Crv string `json:"crv"` // "Ed25519"
	Kid string `json:"kid"`
	Alg string `json:"alg"` // "EdDSA"
	Use string `json:"use"` // "sig"
	X   string `json:"x"`   // base64url(pub)
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// JWKSJSON returns the public key set as JSON for /.well-known/jwks.json.
func (r *Keyring) JWKSJSON() []byte {
	out := jwks{Keys: make([]jwk, 0, len(r.keys))}
	for _, k := range r.keys {
		out.Keys = append(out.Keys, jwk{
			Kty: "OKP",
			Crv: "Ed25519",
			Kid: k.KID,
			Alg: k.Alg,
			Use: "sig",
			X:   base64.RawURLEncoding.EncodeToString(k.Pub),
		})
	}
	b, _ := json.Marshal(out)
	return b
}

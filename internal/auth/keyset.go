package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrKeysetUnavailable marks a verification failure caused by the key-set
// service being unreachable, as opposed to a bad token. The claims-only
// fallback engages only on this error class.
var ErrKeysetUnavailable = errors.New("keyset unavailable")

// KeysetCache caches the published JWKS key set, keyed by kid, refreshing at
// most once per TTL. It is injected into the verifier rather than held as a
// package singleton; tests swap the clock.
type KeysetCache struct {
	httpClient *http.Client
	jwksURL    string
	ttl        time.Duration
	now        func() time.Time

	mu        sync.RWMutex
	keys      map[string]any // kid -> *rsa.PublicKey or *ecdsa.PublicKey
	fetchedAt time.Time
}

// NewKeysetCache creates a keyset cache for the given JWKS URL.
// Parameters:
//   - httpClient: client used for JWKS fetches; nil uses a 10s-timeout default.
//   - jwksURL: published key-set endpoint.
//   - ttl: maximum key-set age before a refresh is attempted.
// Returns:
//   - *KeysetCache: initialized cache.
func NewKeysetCache(httpClient *http.Client, jwksURL string, ttl time.Duration) *KeysetCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &KeysetCache{
		httpClient: httpClient,
		jwksURL:    jwksURL,
		ttl:        ttl,
		now:        time.Now,
		keys:       map[string]any{},
	}
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`

	// RSA
	N string `json:"n"`
	E string `json:"e"`

	// EC
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// GetKey returns the public key for a kid, refreshing the set when it is
// stale or the kid is unknown. A failed refresh falls back to a previously
// cached key for that kid; with no cached key it reports
// ErrKeysetUnavailable.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - kid: key ID from the token header.
// Returns:
//   - any: *rsa.PublicKey or *ecdsa.PublicKey.
//   - error: non-nil if no key can be produced.
func (c *KeysetCache) GetKey(ctx context.Context, kid string) (any, error) {
	c.mu.RLock()
	key := c.keys[kid]
	stale := c.now().Sub(c.fetchedAt) > c.ttl
	c.mu.RUnlock()

	if key != nil && !stale {
		return key, nil
	}
	if strings.TrimSpace(c.jwksURL) == "" {
		return nil, fmt.Errorf("%w: jwks url not configured", ErrKeysetUnavailable)
	}

	if err := c.refresh(ctx); err != nil {
		// Fall back to the cached key if one exists.
		c.mu.RLock()
		key = c.keys[kid]
		c.mu.RUnlock()
		if key != nil {
			return key, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrKeysetUnavailable, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key = c.keys[kid]
	if key == nil {
		return nil, fmt.Errorf("kid not found in keyset: %s", kid)
	}
	return key, nil
}

func (c *KeysetCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("jwks fetch failed: %s", res.Status)
	}

	var set jwkSet
	if err := json.NewDecoder(res.Body).Decode(&set); err != nil {
		return err
	}

	next := map[string]any{}
	for _, k := range set.Keys {
		if strings.TrimSpace(k.Kid) == "" {
			continue
		}
		switch k.Kty {
		case "RSA":
			pub, err := rsaFromModExp(k.N, k.E)
			if err == nil {
				next[k.Kid] = pub
			}
		case "EC":
			pub, err := ecdsaFromXY(k.Crv, k.X, k.Y)
			if err == nil {
				next[k.Kid] = pub
			}
		}
	}

	if len(next) == 0 {
		return errors.New("jwks contained no usable keys")
	}

	c.mu.Lock()
	c.keys = next
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return nil
}

func rsaFromModExp(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}

	n := new(big.Int).SetBytes(nb)
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e == 0 {
		return nil, errors.New("invalid exponent")
	}

	return &rsa.PublicKey{N: n, E: e}, nil
}

func ecdsaFromXY(crv, xB64, yB64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	default:
		return nil, fmt.Errorf("unsupported curve: %s", crv)
	}

	xb, err := base64.RawURLEncoding.DecodeString(xB64)
	if err != nil {
		return nil, err
	}
	yb, err := base64.RawURLEncoding.DecodeString(yB64)
	if err != nil {
		return nil, err
	}

	x := new(big.Int).SetBytes(xb)
	y := new(big.Int).SetBytes(yb)

	if !curve.IsOnCurve(x, y) {
		return nil, errors.New("invalid EC point")
	}

	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

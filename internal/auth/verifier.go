package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/helioform/polyscape/internal/config"
	"github.com/helioform/polyscape/internal/logger"
)

// Method records how an identity was established.
type Method string

const (
	// MethodSignature means the token signature was verified against the keyset.
	MethodSignature Method = "signature"
	// MethodClaims means only the claims were validated; the keyset was
	// unreachable and the fallback is enabled.
	MethodClaims Method = "claims"
	// MethodService means the token was an HS256 service token.
	MethodService Method = "service"
)

// Identity is the authenticated principal attached to a request.
type Identity struct {
	Subject   string
	Email     string
	Role      string
	ExpiresAt time.Time
	Method    Method
}

// IsService reports whether the identity belongs to a worker or internal
// service rather than an end user.
func (i *Identity) IsService() bool {
	return i.Method == MethodService
}

var userAlgs = []string{"RS256", "ES256"}

// Verifier validates bearer tokens for users and services.
type Verifier struct {
	keyset              *KeysetCache
	issuer              string
	audience            string
	allowClaimsFallback bool
	serviceSecret       []byte
	logger              *logger.Logger
	now                 func() time.Time
}

// NewVerifier creates a token verifier.
// Parameters:
//   - cfg: auth configuration (issuer, audience, fallback policy, service secret).
//   - keyset: JWKS cache used for user token signatures.
//   - log: logger for fallback warnings.
// Returns:
//   - *Verifier: configured verifier.
func NewVerifier(cfg *config.AuthConfig, keyset *KeysetCache, log *logger.Logger) *Verifier {
	return &Verifier{
		keyset:              keyset,
		issuer:              cfg.Issuer,
		audience:            cfg.Audience,
		allowClaimsFallback: cfg.AllowClaimsFallback,
		serviceSecret:       []byte(cfg.ServiceSecret),
		logger:              log,
		now:                 time.Now,
	}
}

func (v *Verifier) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return v.logger
}

// VerifyUser validates a user bearer token. The signature is checked against
// the published keyset; when the keyset is unreachable and
// allow_claims_fallback is enabled, the claims alone are validated and the
// returned identity carries MethodClaims.
// Parameters:
//   - ctx: context for the keyset fetch.
//   - raw: compact JWT string.
// Returns:
//   - *Identity: verified identity with Method set.
//   - error: non-nil if the token is invalid or expired.
func (v *Verifier) VerifyUser(ctx context.Context, raw string) (*Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty token")
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(append(v.parseOptions(), jwt.WithValidMethods(userAlgs))...)
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token missing kid header")
		}
		return v.keyset.GetKey(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, ErrKeysetUnavailable) && v.allowClaimsFallback {
			return v.verifyClaimsOnly(ctx, raw)
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	return identityFromClaims(claims, MethodSignature)
}

// verifyClaimsOnly validates a token without its signature. Expiry, issuer
// and audience checks still apply; the identity is marked MethodClaims so
// callers can distinguish it downstream.
func (v *Verifier) verifyClaimsOnly(ctx context.Context, raw string) (*Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	validator := jwt.NewValidator(v.parseOptions()...)
	if err := validator.Validate(claims); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	id, err := identityFromClaims(claims, MethodClaims)
	if err != nil {
		return nil, err
	}

	v.log(ctx).WithFields(logger.Fields{
		logger.FieldUserID: id.Subject,
	}).Warn("Keyset unreachable, accepted token on claims only")

	return id, nil
}

// VerifyService validates an HS256 service token against the shared secret.
// Parameters:
//   - raw: compact JWT string.
// Returns:
//   - *Identity: identity with MethodService; Subject is the worker ID.
//   - error: non-nil if the token is invalid or expired.
func (v *Verifier) VerifyService(raw string) (*Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty token")
	}
	if len(v.serviceSecret) == 0 {
		return nil, errors.New("service secret not configured")
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return v.serviceSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid service token: %w", err)
	}

	return identityFromClaims(claims, MethodService)
}

func (v *Verifier) parseOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	return opts
}

func identityFromClaims(claims jwt.MapClaims, method Method) (*Identity, error) {
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return nil, errors.New("token missing subject")
	}

	id := &Identity{
		Subject: sub,
		Method:  method,
	}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	if role, ok := claims["role"].(string); ok {
		id.Role = role
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}

	return id, nil
}

// NewServiceToken mints an HS256 service token for a worker. Used when a
// worker is configured with the shared secret instead of a pre-issued token.
// Parameters:
//   - secret: shared service secret.
//   - subject: worker ID placed in the sub claim.
//   - ttl: token lifetime.
// Returns:
//   - string: signed compact JWT.
//   - error: non-nil if signing fails.
func NewServiceToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("service secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": "service",
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

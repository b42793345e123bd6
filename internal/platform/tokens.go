package platform

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/joescharf/reviewd/internal/models"
)

// TokenSource yields an API token for an integration.
type TokenSource interface {
	Token(ctx context.Context, in *models.Integration) (string, error)
}

// StaticTokenSource returns the same configured token for every integration.
type StaticTokenSource struct {
	Value string
}

func (s StaticTokenSource) Token(_ context.Context, in *models.Integration) (string, error) {
	if s.Value == "" {
		return "", fmt.Errorf("%s integration %s: %w", in.Platform, in.ID, ErrNoToken)
	}
	return s.Value, nil
}

type cachedToken struct {
	value   string
	expires time.Time
}

// AppTokenSource mints GitHub App installation tokens. The app JWT is signed
// with the app's RSA key and exchanged for a short-lived installation token,
// which is cached until shortly before it expires.
type AppTokenSource struct {
	AppID string
	Key   *rsa.PrivateKey
	Run   Runner
	Now   func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

// NewAppTokenSource loads the PEM private key at keyPath.
func NewAppTokenSource(appID, keyPath string, run Runner) (*AppTokenSource, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read app private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	if run == nil {
		run = ExecRunner
	}
	return &AppTokenSource{AppID: appID, Key: key, Run: run, Now: time.Now}, nil
}

// AppJWT returns a JWT identifying the app, valid for nine minutes.
func (s *AppTokenSource) AppJWT() (string, error) {
	now := s.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.AppID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.Key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

func (s *AppTokenSource) Token(ctx context.Context, in *models.Integration) (string, error) {
	if in.InstallationID == "" {
		return "", fmt.Errorf("integration %s has no installation: %w", in.ID, ErrNoToken)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		s.cache = map[string]cachedToken{}
	}
	if t, ok := s.cache[in.InstallationID]; ok && s.Now().Before(t.expires) {
		return t.value, nil
	}

	appJWT, err := s.AppJWT()
	if err != nil {
		return "", err
	}
	out, err := s.Run(ctx, nil, "gh", "api", "-X", "POST",
		"-H", "Authorization: Bearer "+appJWT,
		fmt.Sprintf("app/installations/%s/access_tokens", in.InstallationID),
		"--jq", ".token",
	)
	if err != nil {
		return "", fmt.Errorf("mint installation token: %w: %w", ErrNoToken, err)
	}
	if out == "" {
		return "", fmt.Errorf("installation %s: %w", in.InstallationID, ErrNoToken)
	}
	// Installation tokens live one hour.
	s.cache[in.InstallationID] = cachedToken{value: out, expires: s.Now().Add(50 * time.Minute)}
	return out, nil
}

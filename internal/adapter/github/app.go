package github

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// AppTokenSource issues short-lived installation tokens for a GitHub App.
// Tokens are cached and refreshed shortly before expiry. Safe for concurrent
// use.
type AppTokenSource struct {
	appID          string
	installationID int64
	key            *rsa.PrivateKey
	baseURL        string
	httpClient     *http.Client
	now            func() time.Time

	mu     sync.Mutex
	cached InstallationToken
}

// NewAppTokenSource creates a token source from a GitHub App's id,
// installation id, and PEM-encoded private key.
func NewAppTokenSource(appID string, installationID int64, privateKeyPEM []byte) (*AppTokenSource, error) {
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing app private key: %w", err)
	}
	return &AppTokenSource{
		appID:          appID,
		installationID: installationID,
		key:            key,
		baseURL:        defaultBaseURL,
		httpClient:     &http.Client{Timeout: defaultTimeout},
		now:            time.Now,
	}, nil
}

// SetBaseURL sets a custom base URL (for testing).
func (s *AppTokenSource) SetBaseURL(url string) {
	s.baseURL = url
}

// Token returns a valid installation token, issuing a new one when the
// cached token is within a minute of expiry.
func (s *AppTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached.Token != "" && s.now().Before(s.cached.ExpiresAt.Add(-time.Minute)) {
		return s.cached.Token, nil
	}

	token, err := s.issue(ctx)
	if err != nil {
		return "", err
	}
	s.cached = token
	return token.Token, nil
}

// issue exchanges an app JWT for an installation token.
func (s *AppTokenSource) issue(ctx context.Context) (InstallationToken, error) {
	jwt, err := signAppJWT(s.appID, s.key, s.now())
	if err != nil {
		return InstallationToken{}, fmt.Errorf("signing app jwt: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.baseURL, s.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return InstallationToken{}, err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return InstallationToken{}, fmt.Errorf("installation token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return InstallationToken{}, fmt.Errorf("installation token request failed: HTTP %d", resp.StatusCode)
	}

	var token InstallationToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return InstallationToken{}, fmt.Errorf("failed to parse response: %w", err)
	}
	return token, nil
}

// signAppJWT builds the RS256 app JWT GitHub requires for App-level
// endpoints: issued a minute in the past to absorb clock skew, valid for
// nine minutes (GitHub caps at ten).
func signAppJWT(appID string, key *rsa.PrivateKey, now time.Time) (string, error) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))

	claims, err := json.Marshal(map[string]interface{}{
		"iat": now.Add(-time.Minute).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": appID,
	})
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(claims)

	signingInput := header + "." + payload
	digest := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

// parsePrivateKey accepts PKCS#1 and PKCS#8 PEM-encoded RSA keys; GitHub
// ships App keys as PKCS#1.
func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unsupported private key format: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const (
	userAgent    = "nur-build"
	acceptHeader = "application/vnd.github+json"
	apiVersion   = "2022-11-28"

	jwtBackdate = 60 * time.Second
	jwtLifetime = 9 * time.Minute
	// tokenSlack refreshes installation tokens before they actually expire.
	tokenSlack = time.Minute
)

// ErrAPI wraps non-2xx responses from the GitHub API.
var ErrAPI = errors.New("github api error")

// InstallationToken is a short-lived token scoped to one installation.
type InstallationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// App authenticates as a GitHub App and mints installation tokens.
type App struct {
	appID  string
	key    *rsa.PrivateKey
	apiURL string
	client *http.Client
	now    func() time.Time

	mu     sync.Mutex
	tokens map[int64]InstallationToken
}

// LoadPrivateKey reads a PEM encoded RSA key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read github private key: %w", err)
	}
	key, err := jwtlib.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse github private key: %w", err)
	}
	return key, nil
}

// NewApp constructs an App client. client may be nil.
func NewApp(appID string, key *rsa.PrivateKey, apiURL string, client *http.Client) (*App, error) {
	if appID == "" {
		return nil, errors.New("github app id is required")
	}
	if key == nil {
		return nil, errors.New("github private key is required")
	}
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &App{
		appID:  appID,
		key:    key,
		apiURL: strings.TrimRight(apiURL, "/"),
		client: client,
		now:    time.Now,
		tokens: make(map[int64]InstallationToken),
	}, nil
}

// JWT returns an RS256 app token valid for a few minutes.
func (a *App) JWT() (string, error) {
	now := a.now()
	claims := jwtlib.RegisteredClaims{
		Issuer:    a.appID,
		IssuedAt:  jwtlib.NewNumericDate(now.Add(-jwtBackdate)),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(jwtLifetime)),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	signed, err := token.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

// InstallationToken returns a cached or freshly minted installation token.
func (a *App) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	a.mu.Lock()
	cached, ok := a.tokens[installationID]
	a.mu.Unlock()
	if ok && a.now().Add(tokenSlack).Before(cached.ExpiresAt) {
		return cached.Token, nil
	}

	appJWT, err := a.JWT()
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.apiURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	setHeaders(req, appJWT)

	var tok InstallationToken
	if err := a.do(req, http.StatusCreated, &tok); err != nil {
		return "", fmt.Errorf("installation token: %w", err)
	}
	if tok.Token == "" {
		return "", fmt.Errorf("installation token: %w: empty token", ErrAPI)
	}

	a.mu.Lock()
	a.tokens[installationID] = tok
	a.mu.Unlock()
	return tok.Token, nil
}

func (a *App) do(req *http.Request, want int, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		return fmt.Errorf("%w: %s %s: %d %s", ErrAPI, req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func setHeaders(req *http.Request, bearer string) {
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
}

// TokenCloneURL embeds an installation token into an https clone URL.
func TokenCloneURL(cloneURL, token string) (string, error) {
	u, err := url.Parse(cloneURL)
	if err != nil {
		return "", fmt.Errorf("parse clone url: %w", err)
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("clone url must use https, got %q", u.Scheme)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

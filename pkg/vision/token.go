package vision

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// tokenRenewalMargin is how long before actual expiry a cached token is
// considered stale. Renewing early keeps in-flight calls off an expiring
// token.
const tokenRenewalMargin = 60 * time.Second

// tokenSource exchanges client credentials for a bearer token and caches it
// until shortly before expiry. Shared across all calls on one client.
type tokenSource struct {
	authURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	// now is swappable for tests.
	now func() time.Time
}

func newTokenSource(authURL, clientID, clientSecret string, httpClient *http.Client) *tokenSource {
	return &tokenSource{
		authURL:      authURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token returns a valid bearer token, renewing it when the cached one is
// within the renewal margin of expiry.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && ts.now().Add(tokenRenewalMargin).Before(ts.expiresAt) {
		return ts.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", ts.clientID)
	form.Set("client_secret", ts.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", eris.Wrap(err, "vision: create token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "vision: token exchange")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "vision: read token response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("vision: token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", eris.Wrap(err, "vision: unmarshal token response")
	}
	if tr.AccessToken == "" {
		return "", eris.New("vision: token endpoint returned empty access_token")
	}

	ts.token = tr.AccessToken
	ts.expiresAt = ts.now().Add(time.Duration(tr.ExpiresIn) * time.Second)

	zap.L().Debug("vision: bearer token renewed",
		zap.Time("expires_at", ts.expiresAt),
	)
	return ts.token, nil
}

// Invalidate drops the cached token so the next call forces a renewal.
func (ts *tokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()
}

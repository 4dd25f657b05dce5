package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
	"github.com/ekaya-inc/settlement-engine/pkg/retry"
)

// tokenExpirySkew refreshes tokens slightly before the server expires them.
const tokenExpirySkew = 30 * time.Second

// defaultTokenTTL applies when the token response omits expires_in.
const defaultTokenTTL = 5 * time.Minute

// maxSettlementBody caps a pulled settlement file.
const maxSettlementBody = 256 << 20

var errUnauthorized = errors.New("unauthorized")

// TokenClient obtains and caches an OAuth2 client-credentials access token
// for one supplier API.
type TokenClient struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// NewTokenClient creates a token client.
func NewTokenClient(httpClient *http.Client, tokenURL, clientID, clientSecret string) *TokenClient {
	return &TokenClient{
		httpClient:   httpClient,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token returns the cached token or fetches a new one once it has expired.
// Concurrent callers share a single refresh.
func (c *TokenClient) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiresAt) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", connectivityError("token", req.URL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", httpStatusError("token", req.URL.Host, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("empty access token in response")
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= tokenExpirySkew {
		ttl = defaultTokenTTL
	}
	c.token = tr.AccessToken
	c.expiresAt = c.now().Add(ttl - tokenExpirySkew)
	return c.token, nil
}

// Invalidate drops the cached token so the next call refreshes it.
func (c *TokenClient) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiresAt = time.Time{}
}

// APIFetcher pulls settlement files from GET {api_base_url}/settlements?date=.
// Suppliers with a token_url authenticate with client credentials; otherwise
// the credentials variable holds a static bearer token.
type APIFetcher struct {
	httpClient *http.Client
	retryCfg   *retry.Config
	logger     *zap.Logger

	mu     sync.Mutex
	tokens map[string]*TokenClient
}

var _ Fetcher = (*APIFetcher)(nil)

// NewAPIFetcher creates an API fetcher.
func NewAPIFetcher(httpClient *http.Client, retryCfg *retry.Config, logger *zap.Logger) *APIFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &APIFetcher{
		httpClient: httpClient,
		retryCfg:   retryCfg,
		logger:     logger.Named("api-fetcher"),
		tokens:     make(map[string]*TokenClient),
	}
}

func (f *APIFetcher) tokenClient(cfg *models.SupplierConfig, secret string) *TokenClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	tc, ok := f.tokens[cfg.SupplierCode]
	if !ok {
		tc = NewTokenClient(f.httpClient, cfg.Ingestion.TokenURL, cfg.Ingestion.ClientID, secret)
		f.tokens[cfg.SupplierCode] = tc
	}
	return tc
}

func (f *APIFetcher) Fetch(ctx context.Context, cfg *models.SupplierConfig, settlementDate time.Time) ([]FetchedFile, error) {
	secret, err := credentials(cfg)
	if err != nil {
		return nil, err
	}

	var tc *TokenClient
	if cfg.Ingestion.TokenURL != "" {
		tc = f.tokenClient(cfg, secret)
	}
	bearer := func(ctx context.Context) (string, error) {
		if tc == nil {
			return secret, nil
		}
		return tc.Token(ctx)
	}

	var file *FetchedFile
	err = retry.DoIfRetryable(ctx, f.retryCfg, func() error {
		var err error
		file, err = f.pull(ctx, cfg, settlementDate, bearer)
		if errors.Is(err, errUnauthorized) && tc != nil {
			// The token may have been revoked before its expiry; refresh once.
			tc.Invalidate()
			file, err = f.pull(ctx, cfg, settlementDate, bearer)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if file == nil {
		f.logger.Debug("No settlement file published yet",
			zap.String("supplier_code", cfg.SupplierCode),
			zap.String("date", settlementDate.Format(time.DateOnly)))
		return nil, nil
	}
	return []FetchedFile{*file}, nil
}

func (f *APIFetcher) pull(ctx context.Context, cfg *models.SupplierConfig, date time.Time, bearer func(context.Context) (string, error)) (*FetchedFile, error) {
	token, err := bearer(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(cfg.Ingestion.APIBaseURL, "/") + "/settlements?date=" + url.QueryEscape(date.Format(time.DateOnly))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create settlement request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, connectivityError("pull", req.URL.Host, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &apperrors.ConnectivityError{Op: "pull", Host: req.URL.Host, Err: errUnauthorized}
	case resp.StatusCode != http.StatusOK:
		return nil, httpStatusError("pull", req.URL.Host, resp.StatusCode)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxSettlementBody))
	if err != nil {
		return nil, connectivityError("read body", req.URL.Host, err)
	}

	name := resp.Header.Get("X-Filename")
	if name == "" {
		name = fmt.Sprintf("%s_%s", cfg.SupplierCode, date.Format("20060102"))
	}
	return &FetchedFile{
		Name:           name,
		Content:        content,
		SettlementDate: date,
		Identifier:     Identify(cfg, name, date, content),
	}, nil
}

// httpStatusError treats 429 and 5xx as transient.
func httpStatusError(op, host string, status int) error {
	return &apperrors.ConnectivityError{
		Op:        op,
		Host:      host,
		Err:       fmt.Errorf("unexpected status %d", status),
		Retryable: status == http.StatusTooManyRequests || status >= 500,
	}
}

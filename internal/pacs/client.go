// internal/pacs/client.go
// Package pacs provides the client for the remote worklist provider. It
// handles authentication, worklist listing, study identifier resolution,
// and archive streaming against the QuickRad-style PACS API.
package pacs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	errordefs "github.com/photonic-rad/photonic-agent/internal/errors"
	"github.com/photonic-rad/photonic-agent/internal/metrics"
	"github.com/photonic-rad/photonic-agent/internal/model"
)

const (
	loginPath    = "/api/quickrad/telerad/login-validation"
	worklistPath = "/api/quickrad/telerad/fetch-admin-list"
	resolvePath  = "/api/quickrad/general/get-misc-study-data"
	archivePath  = "/dicom-web/studies/%s/archive"

	// tokenExpiryBuffer forces re-authentication slightly before the JWT
	// actually expires so in-flight requests don't race the deadline.
	tokenExpiryBuffer = 30 * time.Second

	// Defaults matching the upstream worklist pagination.
	DefaultPageSize = 30
	DefaultPageNum  = 1

	// archiveFetchRetries bounds the transparent retry/resume attempts for
	// one archive transfer.
	archiveFetchRetries = 3
)

// CredentialsProvider supplies the PACS username and password. Implemented by
// the sealed credentials file and by a static environment-backed provider.
type CredentialsProvider interface {
	Credentials(ctx context.Context) (username, password string, err error)
}

// StaticCredentials is a CredentialsProvider holding fixed values.
type StaticCredentials struct {
	Username string
	Password string
}

// Credentials implements CredentialsProvider.
func (s StaticCredentials) Credentials(ctx context.Context) (string, string, error) {
	if s.Username == "" || s.Password == "" {
		return "", "", errordefs.New(errordefs.PH_AUTH, "no credentials configured", "")
	}
	return s.Username, s.Password, nil
}

// Halter reports whether the emergency-stop kill switch is engaged. Archive
// requests are rejected at this boundary while it is.
type Halter interface {
	Engaged() bool
}

// resolved is one memoized identifier resolution.
type resolved struct {
	InternalID  string
	PatientName string
}

// tokenCache holds the current JWT and its expiry.
type tokenCache struct {
	token string
	exp   time.Time
}

// good reports whether the token is still usable, with the expiry buffer
// applied.
func (t *tokenCache) good() bool {
	return t.token != "" && time.Now().Add(tokenExpiryBuffer).Before(t.exp)
}

// Client talks to the remote worklist provider.
type Client struct {
	baseURL string
	hc      *http.Client
	creds   CredentialsProvider
	halter  Halter // nil means no kill switch wired
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu         sync.Mutex
	token      tokenCache
	authFailed bool // Latched after a credential rejection to avoid lockout

	// Memo of external UID to resolved internal id, bounded and expiring so
	// a re-registered study is eventually re-resolved.
	resolvedMemo *expirable.LRU[string, resolved]
}

// NewClient creates a PACS client for the given base URL.
func NewClient(baseURL string, creds CredentialsProvider, halter Halter, m *metrics.Metrics, logger *slog.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Transport: transport, Timeout: 10 * time.Minute},
		creds:   creds,
		halter:  halter,
		metrics: m,
		logger:  logger.With(slog.String("component", "pacs_client")),

		resolvedMemo: expirable.NewLRU[string, resolved](512, nil, 30*time.Minute),
	}
}

// SetBaseURL repoints the client, used when settings change at runtime.
// The token is discarded because it was issued by the previous endpoint.
func (c *Client) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.token = tokenCache{}
}

// ResetAuth clears the auth-failed latch and the cached token, used after
// the user updates credentials.
func (c *Client) ResetAuth() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authFailed = false
	c.token = tokenCache{}
}

// loginResponse is the login-validation payload.
type loginResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Token   string `json:"token"`
}

// Authenticate obtains a JWT from the provider, caching it until shortly
// before expiry. A 429 is reported as PH_AUTH_LOCKED: the account may be
// locked and automatic retries must stop. After any credential rejection
// the client latches and refuses further automatic attempts until ResetAuth.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	if c.token.good() {
		return nil
	}
	if c.authFailed {
		return errordefs.New(errordefs.PH_AUTH_LOCKED,
			"authentication previously failed; update credentials to avoid account lockout", "")
	}

	username, password, err := c.creds.Credentials(ctx)
	if err != nil {
		return err
	}

	body, contentType, err := multipartForm(map[string]string{
		"email":    username,
		"password": password,
	})
	if err != nil {
		return fmt.Errorf("failed to build login form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, body)
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return errordefs.Newf(errordefs.PH_AUTH, "network error during authentication: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.authFailed = true
		return errordefs.New(errordefs.PH_AUTH_LOCKED,
			"too many login attempts; account may be temporarily locked", "")
	}
	if resp.StatusCode != http.StatusOK {
		return errordefs.Newf(errordefs.PH_AUTH, "login returned status %d", resp.StatusCode)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return errordefs.Newf(errordefs.PH_AUTH, "invalid login response: %v", err)
	}
	if !lr.Status || strings.TrimSpace(lr.Token) == "" {
		c.authFailed = true
		msg := lr.Message
		if msg == "" {
			msg = "no valid token received"
		}
		return errordefs.Newf(errordefs.PH_AUTH, "invalid credentials: %s", msg)
	}

	exp, err := tokenExpiry(lr.Token)
	if err != nil {
		return errordefs.Newf(errordefs.PH_AUTH, "invalid token received: %v", err)
	}

	c.token = tokenCache{token: lr.Token, exp: exp}
	c.logger.Info("authenticated with PACS", slog.Time("token_expires", exp))
	return nil
}

// tokenExpiry extracts the exp claim from a JWT without verifying the
// signature; the agent is a token consumer, not a verifier.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("token has no exp claim")
	}
	return exp.Time, nil
}

// bearerToken returns a valid token, re-authenticating when needed.
func (c *Client) bearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.authenticateLocked(ctx); err != nil {
		return "", err
	}
	return c.token.token, nil
}

// ListWorklist fetches one page of the remote worklist. The response is
// validated against an embedded JSON schema before rows are accepted.
func (c *Client) ListWorklist(ctx context.Context, pageSize, pageNum int) ([]model.StudyDescriptor, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageNum <= 0 {
		pageNum = DefaultPageNum
	}

	raw, err := c.postForm(ctx, worklistPath, map[string]string{
		"page_size": strconv.Itoa(pageSize),
		"page_num":  strconv.Itoa(pageNum),
	})
	if err != nil {
		return nil, err
	}

	if err := validateWorklist(raw); err != nil {
		c.metrics.ResponseValidationTotal.WithLabelValues("fetch-admin-list", "invalid").Inc()
		return nil, errordefs.Newf(errordefs.PH_FETCH_FAILED, "worklist response failed validation: %v", err)
	}
	c.metrics.ResponseValidationTotal.WithLabelValues("fetch-admin-list", "valid").Inc()

	studies, err := extractStudies(raw)
	if err != nil {
		return nil, errordefs.Newf(errordefs.PH_FETCH_FAILED, "malformed worklist response: %v", err)
	}

	c.logger.Debug("worklist fetched",
		slog.Int("page_size", pageSize),
		slog.Int("page_num", pageNum),
		slog.Int("studies", len(studies)),
	)
	return studies, nil
}

// extractStudies accepts both response shapes the upstream API produces:
// a bare JSON array, or an object wrapping a study_list array.
func extractStudies(raw []byte) ([]model.StudyDescriptor, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var studies []model.StudyDescriptor
		if err := json.Unmarshal(raw, &studies); err != nil {
			return nil, err
		}
		return studies, nil
	}

	var wrapper struct {
		StudyList []model.StudyDescriptor `json:"study_list"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.StudyList, nil
}

// Resolution is the outcome of resolving an external study identifier.
type Resolution struct {
	InternalID  string // The provider's study_instance_uuid
	PatientName string // Patient name as the provider records it
}

// ResolveStudy resolves an external study instance UID to the provider's
// internal identifier. An empty or placeholder value is rejected with
// PH_RESOLUTION_FAILED. Successful resolutions are memoized.
func (c *Client) ResolveStudy(ctx context.Context, studyInstanceUID string) (*Resolution, error) {
	if strings.TrimSpace(studyInstanceUID) == "" {
		return nil, errordefs.New(errordefs.PH_INVALID_STUDY, "empty study instance UID", "")
	}

	if hit, ok := c.resolvedMemo.Get(studyInstanceUID); ok {
		return &Resolution{InternalID: hit.InternalID, PatientName: hit.PatientName}, nil
	}

	raw, err := c.postForm(ctx, resolvePath, map[string]string{
		"study_instance_uid": studyInstanceUID,
	})
	if err != nil {
		return nil, err
	}

	if err := validateResolve(raw); err != nil {
		c.metrics.ResponseValidationTotal.WithLabelValues("get-misc-study-data", "invalid").Inc()
		return nil, errordefs.Newf(errordefs.PH_RESOLUTION_FAILED, "resolve response failed validation: %v", err)
	}
	c.metrics.ResponseValidationTotal.WithLabelValues("get-misc-study-data", "valid").Inc()

	var rr struct {
		StudyData struct {
			StudyInstanceUUID string `json:"study_instance_uuid"`
			PatientName       string `json:"patient_name"`
		} `json:"study_data"`
	}
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, errordefs.Newf(errordefs.PH_RESOLUTION_FAILED, "malformed resolve response: %v", err)
	}

	internalID := strings.TrimSpace(rr.StudyData.StudyInstanceUUID)
	if isPlaceholderID(internalID) {
		return nil, errordefs.Newf(errordefs.PH_RESOLUTION_FAILED,
			"study_instance_uuid not found for %s", studyInstanceUID)
	}

	c.resolvedMemo.Add(studyInstanceUID, resolved{
		InternalID:  internalID,
		PatientName: rr.StudyData.PatientName,
	})
	return &Resolution{InternalID: internalID, PatientName: rr.StudyData.PatientName}, nil
}

// isPlaceholderID reports whether an identifier is empty or one of the
// placeholder strings the provider is known to emit instead of failing.
func isPlaceholderID(id string) bool {
	switch strings.ToLower(id) {
	case "", "undefined", "null", "none":
		return true
	}
	return false
}

// FetchArchive streams the archive payload for an internal identifier into
// memory. Transient transfer failures are retried with exponential backoff,
// resuming via a Range request where the server supports it. The kill switch
// is honored before every request: archive transfers are the expensive calls
// a runaway poller must not make.
func (c *Client) FetchArchive(ctx context.Context, internalID string) ([]byte, error) {
	if isPlaceholderID(internalID) {
		// A missing identifier historically produced requests to an invalid
		// resource path. Never let one reach the network layer.
		return nil, errordefs.New(errordefs.PH_INVALID_STUDY, "placeholder internal identifier", "")
	}

	url := c.baseURL + fmt.Sprintf(archivePath, internalID)
	var buf bytes.Buffer
	var lastErr error

	for attempt := 0; attempt <= archiveFetchRetries; attempt++ {
		if c.halter != nil && c.halter.Engaged() {
			return nil, errordefs.New(errordefs.PH_EMERGENCY_STOP, "emergency stop engaged", "")
		}
		if attempt > 0 {
			backoff := time.Duration(1<<attempt) * time.Second
			c.logger.Warn("archive fetch retry",
				slog.String("internal_id", internalID),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		err := c.fetchArchiveOnce(ctx, url, &buf)
		if err == nil {
			return buf.Bytes(), nil
		}
		lastErr = err

		// Credential and placeholder problems won't heal with a retry.
		switch errordefs.CodeOf(err) {
		case errordefs.PH_AUTH, errordefs.PH_AUTH_LOCKED, errordefs.PH_EMERGENCY_STOP:
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	// Tiny partials are almost certainly a truncated error page, not data.
	if buf.Len() > 0 && buf.Len() < 1024 {
		buf.Reset()
	}
	return nil, errordefs.Newf(errordefs.PH_FETCH_FAILED,
		"archive fetch failed after %d attempts: %v", archiveFetchRetries, lastErr)
}

// fetchArchiveOnce performs one transfer attempt, resuming into buf when it
// already holds a partial body and the server honors Range requests.
func (c *Client) fetchArchiveOnce(ctx context.Context, url string, buf *bytes.Buffer) error {
	token, err := c.bearerToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create archive request: %w", err)
	}
	req.Header.Set("Authorization", "JWT "+token)

	resuming := buf.Len() > 0
	if resuming {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", buf.Len()))
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return errordefs.Newf(errordefs.PH_FETCH_FAILED, "archive request failed: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the Range header; start over.
		if resuming {
			c.logger.Warn("server does not support resume, restarting transfer")
			buf.Reset()
		}
	case http.StatusPartialContent:
		// Continuing from buf's current length.
	default:
		return errordefs.Newf(errordefs.PH_FETCH_FAILED, "archive fetch returned status %d", resp.StatusCode)
	}

	if _, err := io.Copy(buf, resp.Body); err != nil {
		return errordefs.Newf(errordefs.PH_FETCH_FAILED, "archive stream interrupted: %v", err)
	}
	return nil
}

// postForm sends an authenticated multipart POST and returns the raw body.
func (c *Client) postForm(ctx context.Context, path string, fields map[string]string) ([]byte, error) {
	token, err := c.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	body, contentType, err := multipartForm(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "JWT "+token)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errordefs.Newf(errordefs.PH_FETCH_FAILED, "request to %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errordefs.Newf(errordefs.PH_FETCH_FAILED, "%s returned status %d", path, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errordefs.Newf(errordefs.PH_FETCH_FAILED, "failed to read %s response: %v", path, err)
	}
	return raw, nil
}

// multipartForm encodes fields the way the upstream API expects: plain
// multipart parts, no files.
func multipartForm(fields map[string]string) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

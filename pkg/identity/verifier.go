// Package identity checks GitHub credentials against the `/user`
// endpoint and tells who they belong to.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
)

var (
	ErrInvalidCfg = errors.New("identity: invalid options")

	MetricVerifyCount = []string{"funksiyachi", "identity", "verify", "count"}
)

const (
	outcomeOK        = "ok"
	outcomeMismatch  = "mismatch"
	outcomeStatus    = "status"
	outcomeTransport = "transport"
	outcomeDecode    = "decode"
)

// maxProfileSize caps how much of the `/user` answer is read.
const maxProfileSize = 1 << 20

// Credential is what a client presents: an optional claimed username
// and a GitHub token.
type Credential struct {
	Username string
	// HasUsername tells `:token` (an empty claim) from a bare token.
	HasUsername bool
	Token       string
}

// ParseCredential reads `username:token` or a bare token. Only the
// first `:` separates, a leading `Bearer ` on the token is dropped and
// the token is trimmed.
func ParseCredential(raw string) Credential {
	var cred Credential

	token := raw
	if username, rest, ok := strings.Cut(raw, ":"); ok {
		cred.Username = username
		cred.HasUsername = true
		token = rest
	}

	cred.Token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	return cred
}

// Verifier resolves a credential to a GitHub login with a single API
// call. It never retries.
type Verifier struct {
	endpoint   string
	userAgent  string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	msink      metrics.MetricSink
	labels     []metrics.Label
}

// New builds a Verifier. With no option it talks to api.github.com
// with a 3 second budget per request.
func New(opts ...Option) (*Verifier, error) {
	cfg := &config{
		endpoint:  DefaultEndpoint,
		userAgent: DefaultUserAgent,
		timeout:   DefaultTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	client := &http.Client{}
	if cfg.httpClient != nil {
		copied := *cfg.httpClient
		client = &copied
	}
	client.Timeout = cfg.timeout

	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}

	logger := slog.Default()
	if cfg.logHandler != nil {
		logger = slog.New(cfg.logHandler)
	}

	return &Verifier{
		endpoint:   cfg.endpoint,
		userAgent:  cfg.userAgent,
		httpClient: client,
		timeout:    cfg.timeout,
		logger:     logger,
		msink:      cfg.msink,
		labels:     cfg.metricLabels,
	}, nil
}

// Authenticate returns the GitHub login owning the credential's token
// and whether the credential is valid. A credential claiming another
// username than the token's owner yields the real login and false.
// Every failure yields ("", false).
func (v *Verifier) Authenticate(ctx context.Context, credential string) (string, bool) {
	cred := ParseCredential(credential)

	login, outcome := v.fetchLogin(ctx, cred.Token)
	if outcome == outcomeOK && cred.HasUsername && cred.Username != login {
		v.logger.Warn("username mismatch",
			"provided", cred.Username,
			"github", login,
		)
		outcome = outcomeMismatch
	}

	v.msink.IncrCounterWithLabels(
		MetricVerifyCount,
		1.0,
		append(append([]metrics.Label{}, v.labels...), metrics.Label{Name: "outcome", Value: outcome}),
	)

	switch outcome {
	case outcomeOK:
		return login, true
	case outcomeMismatch:
		return login, false
	default:
		return "", false
	}
}

func (v *Verifier) fetchLogin(ctx context.Context, token string) (string, string) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.endpoint, nil)
	if err != nil {
		v.logger.Error("building GitHub request failed", "error", err)
		return "", outcomeTransport
	}
	req.Header.Set("User-Agent", v.userAgent)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		v.logger.Error("GitHub API request failed", "error", err)
		return "", outcomeTransport
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		v.logger.Warn("GitHub API returned error status", "status", resp.StatusCode)
		return "", outcomeStatus
	}

	var payload struct {
		Login *string `json:"login"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileSize)).Decode(&payload); err != nil {
		v.logger.Error("failed to parse GitHub response", "error", err)
		return "", outcomeDecode
	}
	if payload.Login == nil || *payload.Login == "" {
		v.logger.Error("GitHub response has no login")
		return "", outcomeDecode
	}

	return *payload.Login, outcomeOK
}

package keystone

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/cloudvia/keystone-sync/internal/core/ports"
	"github.com/cloudvia/keystone-sync/internal/errors"
	"github.com/cloudvia/keystone-sync/internal/retry"
)

const (
	defaultCallTimeout  = 15 * time.Second
	defaultRateLimitRPS = 20
)

type Config struct {
	AuthURL           string `yaml:"auth_url" validate:"required,url"`
	Username          string `yaml:"username" validate:"required"`
	Password          string `yaml:"password" validate:"required"`
	ProjectName       string `yaml:"project_name"`
	DomainName        string `yaml:"domain_name"`
	UserDomainName    string `yaml:"user_domain_name"`
	ProjectDomainName string `yaml:"project_domain_name"`
	InsecureTLS       bool   `yaml:"insecure_tls"`

	DefaultRole          string        `yaml:"default_role"`
	CreateUsersIfMissing bool          `yaml:"create_users_if_not_exist"`
	SyncUserEmails       bool          `yaml:"sync_user_emails"`
	UserEnabledByDefault bool          `yaml:"user_enabled_by_default"`
	RateLimitRPS         int           `yaml:"rate_limit_rps"`
	CallTimeout          time.Duration `yaml:"call_timeout"`
}

func DefaultGatewayConfig() Config {
	return Config{
		ProjectName:          "admin",
		DomainName:           "Default",
		DefaultRole:          "member",
		CreateUsersIfMissing: true,
		SyncUserEmails:       true,
		UserEnabledByDefault: true,
		RateLimitRPS:         defaultRateLimitRPS,
		CallTimeout:          defaultCallTimeout,
	}
}

// Redacted returns the config with credentials masked for logging.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"auth_url":     c.AuthURL,
		"username":     c.Username,
		"password":     "***REDACTED***",
		"project_name": c.ProjectName,
		"domain_name":  c.DomainName,
		"default_role": c.DefaultRole,
		"auto_create":  c.CreateUsersIfMissing,
		"rate_limit":   c.RateLimitRPS,
		"call_timeout": c.CallTimeout.String(),
		"insecure_tls": c.InsecureTLS,
	}
}

// client is the low-level Keystone v3 REST client: one JSON call per
// method, rate limited, with bounded retry and transparent re-auth on 401.
type client struct {
	baseURL     string
	httpClient  *http.Client
	json        jsoniter.API
	limiter     *rate.Limiter
	tokens      *tokenManager
	policy      retry.Policy
	callTimeout time.Duration
	logger      ports.Logger
}

func newClient(cfg Config, policy retry.Policy, logger ports.Logger) *client {
	transport := http.DefaultTransport
	if cfg.InsecureTLS {
		transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	httpClient := &http.Client{Transport: transport}

	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = defaultRateLimitRPS
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	json := jsoniter.ConfigCompatibleWithStandardLibrary

	userDomain := cfg.UserDomainName
	if userDomain == "" {
		userDomain = cfg.DomainName
	}
	projectDomain := cfg.ProjectDomainName
	if projectDomain == "" {
		projectDomain = cfg.DomainName
	}

	return &client{
		baseURL:    strings.TrimRight(cfg.AuthURL, "/"),
		httpClient: httpClient,
		json:       json,
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		tokens: &tokenManager{
			authURL:           strings.TrimRight(cfg.AuthURL, "/"),
			httpClient:        httpClient,
			json:              json,
			username:          cfg.Username,
			password:          cfg.Password,
			projectName:       cfg.ProjectName,
			userDomainName:    userDomain,
			projectDomainName: projectDomain,
		},
		policy:      policy,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// call performs one API operation under the retry policy. Timeouts are per
// individual call; reconciliation passes spanning many resources carry no
// overall deadline.
func (c *client) call(ctx context.Context, op, method, path string, query url.Values, body any, out any) error {
	return c.policy.Do(ctx, func(ctx context.Context) error {
		return c.attempt(ctx, op, method, path, query, body, out)
	})
}

func (c *client) attempt(ctx context.Context, op, method, path string, query url.Values, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return classifyTransport(err, op)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	status, respBody, err := c.roundTrip(ctx, op, method, path, query, body)
	if err != nil {
		return err
	}

	// Token expiry mid-flight: one transparent re-authentication and retry
	// of the same call before surfacing failure.
	if status == http.StatusUnauthorized {
		c.tokens.Invalidate()
		c.logger.Debugf(ctx, "token rejected during %s, re-authenticating once", op)
		status, respBody, err = c.roundTrip(ctx, op, method, path, query, body)
		if err != nil {
			return err
		}
	}

	if err := classifyStatus(status, op, truncate(respBody)); err != nil {
		return err
	}

	if out != nil && len(respBody) > 0 {
		if err := c.json.Unmarshal(respBody, out); err != nil {
			return errors.Wrapf(err, errors.CodeBackendRejected, "%s: malformed response", op)
		}
	}
	return nil
}

func (c *client) roundTrip(ctx context.Context, op, method, path string, query url.Values, body any) (int, []byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := c.json.Marshal(body)
		if err != nil {
			return 0, nil, errors.Wrapf(err, errors.CodeInternal, "%s: failed to encode request", op)
		}
		reader = bytes.NewReader(payload)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, nil, errors.Wrapf(err, errors.CodeInternal, "%s: failed to build request", op)
	}
	req.Header.Set("X-Auth-Token", token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, classifyTransport(err, op)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, classifyTransport(err, op)
	}
	return resp.StatusCode, respBody, nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

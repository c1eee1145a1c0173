// Package waldur adapts the orchestration platform's REST API and
// membership event stream to the ports the reconciler consumes.
package waldur

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/cloudvia/keystone-sync/internal/core/domain"
	"github.com/cloudvia/keystone-sync/internal/core/ports"
	"github.com/cloudvia/keystone-sync/internal/errors"
	"github.com/cloudvia/keystone-sync/internal/retry"
)

const SourceTypeWaldur = "waldur"

const defaultCallTimeout = 15 * time.Second

type Config struct {
	APIURL      string        `yaml:"api_url" validate:"required,url"`
	Token       string        `yaml:"token" validate:"required"`
	EventsURL   string        `yaml:"events_url"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type resourceEntry struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Description string `json:"description"`
	BackendID   string `json:"backend_id"`
	State       string `json:"state"`
}

type membershipEntry struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// Client is the read side of the source platform: resource listings and
// per-resource membership. It never mutates anything upstream.
type Client struct {
	cfg        Config
	httpClient *http.Client
	json       jsoniter.API
	policy     retry.Policy
	logger     ports.Logger
}

func NewClient(cfg Config, policy retry.Policy, logger ports.Logger) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, errors.New(errors.CodeConfigValidation, "source platform api_url is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		json:       jsoniter.ConfigCompatibleWithStandardLibrary,
		policy:     policy,
		logger:     logger,
	}, nil
}

func (c *Client) Type() string { return SourceTypeWaldur }

func (c *Client) ListResources(ctx context.Context) ([]domain.Resource, error) {
	var entries []resourceEntry
	if err := c.get(ctx, "list resources", "/api/resources/", nil, &entries); err != nil {
		return nil, err
	}

	out := make([]domain.Resource, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.Resource{
			ID:          e.UUID,
			Name:        e.Name,
			Description: e.Description,
			BackendID:   e.BackendID,
			State:       mapLifecycle(e.State),
		})
	}
	return out, nil
}

func (c *Client) ListResourceMembership(ctx context.Context, resourceID string) (domain.MembershipSet, error) {
	var entries []membershipEntry
	path := "/api/resources/" + url.PathEscape(resourceID) + "/team/"
	if err := c.get(ctx, "list membership", path, nil, &entries); err != nil {
		return nil, err
	}

	set := make(domain.MembershipSet, len(entries))
	for _, e := range entries {
		if e.Username == "" {
			continue
		}
		set.Add(domain.Member{Subject: e.Username, Role: e.Role})
	}
	return set, nil
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) error {
	return c.policy.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()

		u := c.cfg.APIURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return errors.Wrapf(err, errors.CodeInternal, "%s: failed to build request", op)
		}
		req.Header.Set("Authorization", "Token "+c.cfg.Token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.Wrapf(err, errors.CodeBackendTransient, "%s: source platform unreachable", op)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return errors.Wrapf(err, errors.CodeBackendTransient, "%s: failed reading response", op)
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return errors.Newf(errors.CodeBackendTransient, "%s: source platform error (HTTP %d)", op, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return errors.Newf(errors.CodeSourceAPIError, "%s: unexpected status HTTP %d", op, resp.StatusCode)
		}
		if err := c.json.Unmarshal(body, out); err != nil {
			return errors.Wrapf(err, errors.CodeSourceAPIError, "%s: malformed response", op)
		}
		return nil
	})
}

func mapLifecycle(state string) domain.LifecycleState {
	switch strings.ToLower(state) {
	case "creating", "requested":
		return domain.StateRequested
	case "ok", "updating", "provisioned":
		return domain.StateProvisioned
	case "terminating":
		return domain.StateTerminating
	case "terminated":
		return domain.StateTerminated
	default:
		return domain.StateProvisioned
	}
}

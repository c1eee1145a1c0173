package keystone

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/cloudvia/keystone-sync/internal/errors"
)

// Tokens expire server-side; refresh a little early so in-flight calls do
// not race the expiry.
const tokenExpirySlack = 60 * time.Second

type tokenManager struct {
	authURL    string
	httpClient *http.Client
	json       jsoniter.API

	username          string
	password          string
	projectName       string
	userDomainName    string
	projectDomainName string

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

type authRequest struct {
	Auth struct {
		Identity struct {
			Methods  []string `json:"methods"`
			Password struct {
				User struct {
					Name   string     `json:"name"`
					Domain domainName `json:"domain"`
					Pass   string     `json:"password"`
				} `json:"user"`
			} `json:"password"`
		} `json:"identity"`
		Scope struct {
			Project struct {
				Name   string     `json:"name"`
				Domain domainName `json:"domain"`
			} `json:"project"`
		} `json:"scope"`
	} `json:"auth"`
}

type domainName struct {
	Name string `json:"name"`
}

type authResponse struct {
	Token struct {
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"token"`
}

// Token returns a cached token, authenticating when none is held or the
// cached one is close to expiry.
func (t *tokenManager) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Until(t.expiresAt) > tokenExpirySlack {
		return t.token, nil
	}
	return t.authenticateLocked(ctx)
}

// Invalidate drops the cached token so the next call re-authenticates.
// Called when the backend answers 401 on a supposedly valid token.
func (t *tokenManager) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expiresAt = time.Time{}
	t.mu.Unlock()
}

func (t *tokenManager) authenticateLocked(ctx context.Context) (string, error) {
	var reqBody authRequest
	reqBody.Auth.Identity.Methods = []string{"password"}
	reqBody.Auth.Identity.Password.User.Name = t.username
	reqBody.Auth.Identity.Password.User.Domain = domainName{Name: t.userDomainName}
	reqBody.Auth.Identity.Password.User.Pass = t.password
	reqBody.Auth.Scope.Project.Name = t.projectName
	reqBody.Auth.Scope.Project.Domain = domainName{Name: t.projectDomainName}

	payload, err := t.json.Marshal(&reqBody)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "failed to encode auth request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.authURL+"/auth/tokens", bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "failed to build auth request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", classifyTransport(err, "authenticate")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, "authenticate", string(body))
	}

	token := resp.Header.Get("X-Subject-Token")
	if token == "" {
		return "", errors.New(errors.CodeBackendAuthError, "authentication response carried no subject token")
	}

	var parsed authResponse
	if err := t.json.Unmarshal(body, &parsed); err != nil {
		return "", errors.Wrap(err, errors.CodeBackendAuthError, "failed to decode auth response")
	}

	t.token = token
	t.expiresAt = parsed.Token.ExpiresAt
	return token, nil
}

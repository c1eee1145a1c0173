package keystone_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudvia/keystone-sync/internal/adapters/identity/keystone"
	"github.com/cloudvia/keystone-sync/internal/core/domain"
	"github.com/cloudvia/keystone-sync/internal/core/ports"
	"github.com/cloudvia/keystone-sync/internal/errors"
	"github.com/cloudvia/keystone-sync/internal/retry"
)

type nopLogger struct{}

func (nopLogger) Debugf(context.Context, string, ...any)        {}
func (nopLogger) Infof(context.Context, string, ...any)         {}
func (nopLogger) Warnf(context.Context, string, ...any)         {}
func (nopLogger) Errorf(context.Context, error, string, ...any) {}
func (l nopLogger) WithFields(map[string]any) ports.Logger      { return l }

// fakeKeystone is a minimal in-memory Keystone v3 for the endpoints the
// gateway touches.
type fakeKeystone struct {
	mu          sync.Mutex
	nextID      int
	projects    map[string]map[string]string // id -> {name, domain_id}
	users       map[string]map[string]string // id -> {name, email}
	roles       map[string]string            // id -> name
	assignments map[string]bool              // projectID/userID/roleID

	authCount     int
	rejectedToken string
	conflictOnce  map[string]bool
}

func newFakeKeystone() *fakeKeystone {
	return &fakeKeystone{
		projects:     make(map[string]map[string]string),
		users:        make(map[string]map[string]string),
		roles:        make(map[string]string),
		assignments:  make(map[string]bool),
		conflictOnce: make(map[string]bool),
	}
}

func (f *fakeKeystone) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeKeystone) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/tokens", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.authCount++
		token := fmt.Sprintf("tok-%d", f.authCount)
		f.mu.Unlock()
		w.Header().Set("X-Subject-Token", token)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"token": map[string]any{"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339)},
		})
	})

	auth := func(w http.ResponseWriter, r *http.Request) bool {
		f.mu.Lock()
		rejected := f.rejectedToken
		f.mu.Unlock()
		if rejected != "" && r.Header.Get("X-Auth-Token") == rejected {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		return true
	}

	mux.HandleFunc("GET /domains", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"domains": []map[string]string{{"id": "dom-1", "name": r.URL.Query().Get("name")}},
		})
	})

	mux.HandleFunc("GET /projects", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		name := r.URL.Query().Get("name")
		var out []map[string]string
		for id, p := range f.projects {
			if p["name"] == name {
				out = append(out, map[string]string{"id": id, "name": p["name"]})
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"projects": out})
	})

	mux.HandleFunc("POST /projects", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		var body struct {
			Project struct {
				Name     string `json:"name"`
				DomainID string `json:"domain_id"`
			} `json:"project"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.conflictOnce["project:"+body.Project.Name] {
			delete(f.conflictOnce, "project:"+body.Project.Name)
			id := f.newID("proj")
			f.projects[id] = map[string]string{"name": body.Project.Name, "domain_id": body.Project.DomainID}
			w.WriteHeader(http.StatusConflict)
			return
		}
		for _, p := range f.projects {
			if p["name"] == body.Project.Name {
				w.WriteHeader(http.StatusConflict)
				return
			}
		}
		id := f.newID("proj")
		f.projects[id] = map[string]string{"name": body.Project.Name, "domain_id": body.Project.DomainID}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"project": map[string]string{"id": id, "name": body.Project.Name}})
	})

	mux.HandleFunc("DELETE /projects/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("id")
		if _, ok := f.projects[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.projects, id)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("PATCH /projects/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("id")
		if _, ok := f.projects[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			Project struct {
				Enabled *bool `json:"enabled"`
			} `json:"project"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Project.Enabled != nil {
			f.projects[id]["enabled"] = fmt.Sprint(*body.Project.Enabled)
		}
		json.NewEncoder(w).Encode(map[string]any{"project": map[string]string{"id": id}})
	})

	mux.HandleFunc("GET /users", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		name := r.URL.Query().Get("name")
		var out []map[string]string
		for id, u := range f.users {
			if name == "" || u["name"] == name {
				out = append(out, map[string]string{"id": id, "name": u["name"], "email": u["email"]})
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"users": out})
	})

	mux.HandleFunc("POST /users", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		var body struct {
			User struct {
				Name  string `json:"name"`
				Email string `json:"email"`
			} `json:"user"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()
		for _, u := range f.users {
			if u["name"] == body.User.Name {
				w.WriteHeader(http.StatusConflict)
				return
			}
		}
		id := f.newID("user")
		f.users[id] = map[string]string{"name": body.User.Name, "email": body.User.Email}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"user": map[string]string{"id": id, "name": body.User.Name}})
	})

	mux.HandleFunc("PATCH /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		var body struct {
			User struct {
				Email string `json:"email"`
			} `json:"user"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		if u, ok := f.users[r.PathValue("id")]; ok {
			u["email"] = body.User.Email
		}
		json.NewEncoder(w).Encode(map[string]any{"user": map[string]string{"id": r.PathValue("id")}})
	})

	mux.HandleFunc("GET /roles", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		name := r.URL.Query().Get("name")
		var out []map[string]string
		for id, n := range f.roles {
			if n == name {
				out = append(out, map[string]string{"id": id, "name": n})
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"roles": out})
	})

	mux.HandleFunc("POST /roles", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		var body struct {
			Role struct {
				Name string `json:"name"`
			} `json:"role"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		id := f.newID("role")
		f.roles[id] = body.Role.Name
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"role": map[string]string{"id": id, "name": body.Role.Name}})
	})

	mux.HandleFunc("PUT /projects/{pid}/users/{uid}/roles/{rid}", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		key := r.PathValue("pid") + "/" + r.PathValue("uid") + "/" + r.PathValue("rid")
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.assignments[key] {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.assignments[key] = true
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /projects/{pid}/users/{uid}/roles/{rid}", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		key := r.PathValue("pid") + "/" + r.PathValue("uid") + "/" + r.PathValue("rid")
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.assignments[key] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.assignments, key)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /role_assignments", func(w http.ResponseWriter, r *http.Request) {
		if !auth(w, r) {
			return
		}
		projectID := r.URL.Query().Get("scope.project.id")
		f.mu.Lock()
		defer f.mu.Unlock()
		var out []map[string]any
		for key := range f.assignments {
			parts := splitKey(key)
			pid, uid, rid := parts[0], parts[1], parts[2]
			if pid != projectID {
				continue
			}
			out = append(out, map[string]any{
				"user": map[string]string{"id": uid, "name": f.users[uid]["name"]},
				"role": map[string]string{"id": rid, "name": f.roles[rid]},
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"role_assignments": out})
	})

	return mux
}

func splitKey(key string) [3]string {
	var out [3]string
	i := 0
	start := 0
	for j := 0; j < len(key) && i < 2; j++ {
		if key[j] == '/' {
			out[i] = key[start:j]
			start = j + 1
			i++
		}
	}
	out[2] = key[start:]
	return out
}

func newTestGateway(t *testing.T, f *fakeKeystone, mutate func(*keystone.Config)) *keystone.Gateway {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	cfg := keystone.DefaultGatewayConfig()
	cfg.AuthURL = srv.URL
	cfg.Username = "admin"
	cfg.Password = "secret"
	if mutate != nil {
		mutate(&cfg)
	}

	policy := retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, MaxAttempts: 2}
	gw, err := keystone.NewGateway(cfg, policy, nopLogger{})
	require.NoError(t, err)
	return gw
}

func TestEnsureProjectCreatesAndFindsExisting(t *testing.T) {
	ctx := context.Background()
	f := newFakeKeystone()
	gw := newTestGateway(t, f, nil)

	id, err := gw.EnsureProject(ctx, domain.Resource{ID: "res-1", Name: "Research"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Second ensure resolves to the same project without creating another.
	again, err := gw.EnsureProject(ctx, domain.Resource{ID: "res-1"})
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Len(t, f.projects, 1)
}

func TestEnsureProjectAbsorbsCreateRace(t *testing.T) {
	ctx := context.Background()
	f := newFakeKeystone()
	f.conflictOnce["project:res-1"] = true
	gw := newTestGateway(t, f, nil)

	id, err := gw.EnsureProject(ctx, domain.Resource{ID: "res-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestDeleteProjectIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFakeKeystone()
	gw := newTestGateway(t, f, nil)

	id, err := gw.EnsureProject(ctx, domain.Resource{ID: "res-1"})
	require.NoError(t, err)

	require.NoError(t, gw.DeleteProject(ctx, id))
	// Deleting again is not an error.
	require.NoError(t, gw.DeleteProject(ctx, id))
}

func TestEnsureUserAutoCreateDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFakeKeystone()
	gw := newTestGateway(t, f, func(cfg *keystone.Config) {
		cfg.CreateUsersIfMissing = false
	})

	_, err := gw.EnsureUser(ctx, domain.Subject{Username: "alice"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeBackendRejected))
	assert.Empty(t, f.users)
}

func TestEnsureUserDerivesNameFromEmail(t *testing.T) {
	ctx := context.Background()
	f := newFakeKeystone()
	gw := newTestGateway(t, f, nil)

	id, err := gw.EnsureUser(ctx, domain.Subject{Email: "jane.doe@example.org"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, "jane.doe", f.users[id]["name"])
}

func TestGrantRevokeRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFakeKeystone()
	gw := newTestGateway(t, f, nil)

	projectID, err := gw.EnsureProject(ctx, domain.Resource{ID: "res-1"})
	require.NoError(t, err)

	subject := domain.Subject{Username: "alice", Email: "alice@example.org"}
	require.NoError(t, gw.GrantRole(ctx, projectID, subject, "member"))
	// Granting twice is absorbed as a conflict.
	require.NoError(t, gw.GrantRole(ctx, projectID, subject, "member"))

	members, err := gw.ListMembership(ctx, projectID)
	require.NoError(t, err)
	assert.True(t, members.Contains(domain.Member{Subject: "alice", Role: "member"}))

	require.NoError(t, gw.RevokeRole(ctx, projectID, subject, "member"))
	// Revoking twice is absorbed as not-found.
	require.NoError(t, gw.RevokeRole(ctx, projectID, subject, "member"))

	members, err = gw.ListMembership(ctx, projectID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestReauthenticatesOnTokenRejection(t *testing.T) {
	ctx := context.Background()
	f := newFakeKeystone()
	gw := newTestGateway(t, f, nil)

	_, err := gw.EnsureProject(ctx, domain.Resource{ID: "res-1"})
	require.NoError(t, err)

	// Invalidate the token server-side; the next call must re-auth once and
	// succeed rather than surfacing the 401.
	f.mu.Lock()
	f.rejectedToken = fmt.Sprintf("tok-%d", f.authCount)
	authsBefore := f.authCount
	f.mu.Unlock()

	_, err = gw.EnsureProject(ctx, domain.Resource{ID: "res-2"})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Greater(t, f.authCount, authsBefore)
}

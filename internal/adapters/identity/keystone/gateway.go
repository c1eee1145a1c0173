package keystone

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/cloudvia/keystone-sync/internal/core/domain"
	"github.com/cloudvia/keystone-sync/internal/core/ports"
	"github.com/cloudvia/keystone-sync/internal/errors"
	"github.com/cloudvia/keystone-sync/internal/retry"
)

const GatewayTypeKeystone = "keystone"

type projectBody struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	DomainID    string `json:"domain_id,omitempty"`
	Description string `json:"description,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

type userBody struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	DomainID string `json:"domain_id,omitempty"`
	Email    string `json:"email,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

type roleBody struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type assignmentEntry struct {
	User struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
	Role struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"role"`
}

// Gateway implements ports.IdentityGateway against Keystone v3. Projects
// and users live in one configured domain, resolved once and created if
// absent. Role and user ids are cached; the caches only ever hold ids the
// backend reported, so a stale entry is corrected by the not-found path of
// the next call.
type Gateway struct {
	cfg    Config
	client *client
	logger ports.Logger

	mu       sync.Mutex
	domainID string
	roleIDs  map[string]string
	userIDs  map[string]string
}

func NewGateway(cfg Config, policy retry.Policy, logger ports.Logger) (*Gateway, error) {
	if cfg.AuthURL == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New(errors.CodeConfigValidation, "keystone gateway requires auth_url, username and password")
	}
	return &Gateway{
		cfg:     cfg,
		client:  newClient(cfg, policy, logger),
		logger:  logger,
		roleIDs: make(map[string]string),
		userIDs: make(map[string]string),
	}, nil
}

func (g *Gateway) Type() string { return GatewayTypeKeystone }

// Probe checks that the identity service is reachable and credentials are
// accepted. A token round-trip covers both.
func (g *Gateway) Probe(ctx context.Context) error {
	_, err := g.client.tokens.Token(ctx)
	return err
}

func (g *Gateway) EnsureProject(ctx context.Context, res domain.Resource) (string, error) {
	if err := ValidateBackendID(res.ID); err != nil {
		return "", err
	}
	name := SanitizeName(res.ID)

	domainID, err := g.ensureDomain(ctx)
	if err != nil {
		return "", err
	}

	if existing, err := g.findProject(ctx, name, domainID); err != nil {
		return "", err
	} else if existing != nil {
		g.logger.Debugf(ctx, "project %q already exists (id=%s)", name, existing.ID)
		return existing.ID, nil
	}

	description := res.Description
	if description == "" && res.Name != "" {
		description = "Managed: " + res.Name
	}

	enabled := true
	var created struct {
		Project projectBody `json:"project"`
	}
	err = g.client.call(ctx, "create project", http.MethodPost, "/projects", nil,
		map[string]projectBody{"project": {Name: name, DomainID: domainID, Description: description, Enabled: &enabled}},
		&created)
	if errors.Is(err, errors.CodeBackendConflict) {
		// Lost a create race; the existing project is the desired state.
		existing, lookupErr := g.findProject(ctx, name, domainID)
		if lookupErr != nil {
			return "", lookupErr
		}
		if existing == nil {
			return "", errors.Newf(errors.CodeStateInconsistent, "project %q conflicted on create but is not listed", name)
		}
		return existing.ID, nil
	}
	if err != nil {
		return "", err
	}

	g.logger.Infof(ctx, "created project %q (id=%s)", name, created.Project.ID)
	return created.Project.ID, nil
}

func (g *Gateway) DeleteProject(ctx context.Context, backendID string) error {
	if err := ValidateBackendID(backendID); err != nil {
		return err
	}
	err := g.client.call(ctx, "delete project", http.MethodDelete, "/projects/"+url.PathEscape(backendID), nil, nil, nil)
	if errors.Is(err, errors.CodeBackendNotFound) {
		// Already absent: delete is idempotent.
		g.logger.Debugf(ctx, "project %s already deleted", backendID)
		return nil
	}
	return err
}

func (g *Gateway) EnableProject(ctx context.Context, backendID string) error {
	return g.setProjectEnabled(ctx, backendID, true)
}

func (g *Gateway) DisableProject(ctx context.Context, backendID string) error {
	return g.setProjectEnabled(ctx, backendID, false)
}

func (g *Gateway) setProjectEnabled(ctx context.Context, backendID string, enabled bool) error {
	if err := ValidateBackendID(backendID); err != nil {
		return err
	}
	op := "disable project"
	if enabled {
		op = "enable project"
	}
	err := g.client.call(ctx, op, http.MethodPatch, "/projects/"+url.PathEscape(backendID), nil,
		map[string]any{"project": map[string]any{"enabled": enabled}}, nil)
	if errors.Is(err, errors.CodeBackendNotFound) {
		return errors.Newf(errors.CodeStateInconsistent, "%s: project %s does not exist in backend", op, backendID)
	}
	return err
}

func (g *Gateway) EnsureUser(ctx context.Context, subject domain.Subject) (string, error) {
	username := subject.Username
	if username == "" {
		derived, err := DeriveUsername(subject.Email)
		if err != nil {
			return "", err
		}
		username = derived
	}

	domainID, err := g.ensureDomain(ctx)
	if err != nil {
		return "", err
	}

	if id := g.cachedUserID(username); id != "" {
		return id, nil
	}

	existing, err := g.findUser(ctx, username, domainID)
	if err != nil {
		return "", err
	}
	if existing == nil && subject.Email != "" {
		// The account may exist under a different name; match by email
		// before creating a duplicate identity.
		existing, err = g.findUserByEmail(ctx, subject.Email, domainID)
		if err != nil {
			return "", err
		}
	}
	if existing != nil {
		if g.cfg.SyncUserEmails && subject.Email != "" && existing.Email != subject.Email {
			if err := g.updateUserEmail(ctx, existing.ID, subject.Email); err != nil {
				g.logger.Warnf(ctx, "failed to sync email for user %q: %v", username, err)
			}
		}
		g.rememberUserID(username, existing.ID)
		return existing.ID, nil
	}

	if !g.cfg.CreateUsersIfMissing {
		return "", errors.Newf(errors.CodeBackendRejected, "user %q not found and auto-creation is disabled", username)
	}

	enabled := g.cfg.UserEnabledByDefault
	var created struct {
		User userBody `json:"user"`
	}
	err = g.client.call(ctx, "create user", http.MethodPost, "/users", nil,
		map[string]userBody{"user": {Name: username, DomainID: domainID, Email: subject.Email, Enabled: &enabled}},
		&created)
	if errors.Is(err, errors.CodeBackendConflict) {
		existing, lookupErr := g.findUser(ctx, username, domainID)
		if lookupErr != nil {
			return "", lookupErr
		}
		if existing == nil {
			return "", errors.Newf(errors.CodeStateInconsistent, "user %q conflicted on create but is not listed", username)
		}
		g.rememberUserID(username, existing.ID)
		return existing.ID, nil
	}
	if err != nil {
		return "", err
	}

	g.logger.Infof(ctx, "created user %q (id=%s)", username, created.User.ID)
	g.rememberUserID(username, created.User.ID)
	return created.User.ID, nil
}

func (g *Gateway) GrantRole(ctx context.Context, backendID string, subject domain.Subject, role string) error {
	if err := ValidateBackendID(backendID); err != nil {
		return err
	}
	userID, err := g.EnsureUser(ctx, subject)
	if err != nil {
		return err
	}
	roleID, err := g.ensureRole(ctx, role)
	if err != nil {
		return err
	}

	path := "/projects/" + url.PathEscape(backendID) + "/users/" + url.PathEscape(userID) + "/roles/" + url.PathEscape(roleID)
	err = g.client.call(ctx, "grant role", http.MethodPut, path, nil, nil, nil)
	if errors.Is(err, errors.CodeBackendConflict) {
		// Already granted.
		return nil
	}
	return err
}

func (g *Gateway) RevokeRole(ctx context.Context, backendID string, subject domain.Subject, role string) error {
	if err := ValidateBackendID(backendID); err != nil {
		return err
	}

	domainID, err := g.ensureDomain(ctx)
	if err != nil {
		return err
	}
	user, err := g.findUser(ctx, subject.Username, domainID)
	if err != nil {
		return err
	}
	if user == nil {
		// No such user, nothing to revoke.
		return nil
	}
	roleID, err := g.findRoleID(ctx, role)
	if err != nil {
		return err
	}
	if roleID == "" {
		return nil
	}

	path := "/projects/" + url.PathEscape(backendID) + "/users/" + url.PathEscape(user.ID) + "/roles/" + url.PathEscape(roleID)
	err = g.client.call(ctx, "revoke role", http.MethodDelete, path, nil, nil, nil)
	if errors.Is(err, errors.CodeBackendNotFound) {
		// Already revoked.
		return nil
	}
	return err
}

func (g *Gateway) ListMembership(ctx context.Context, backendID string) (domain.MembershipSet, error) {
	if err := ValidateBackendID(backendID); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("scope.project.id", backendID)
	query.Set("include_names", "true")

	var resp struct {
		Assignments []assignmentEntry `json:"role_assignments"`
	}
	if err := g.client.call(ctx, "list membership", http.MethodGet, "/role_assignments", query, nil, &resp); err != nil {
		return nil, err
	}

	set := make(domain.MembershipSet, len(resp.Assignments))
	for _, a := range resp.Assignments {
		if a.User.Name == "" {
			continue // group or system assignments are not modeled
		}
		set.Add(domain.Member{Subject: a.User.Name, Role: a.Role.Name})
	}
	return set, nil
}

// --- lookups and caches ---

func (g *Gateway) ensureDomain(ctx context.Context) (string, error) {
	g.mu.Lock()
	cached := g.domainID
	g.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	query := url.Values{}
	query.Set("name", g.cfg.DomainName)
	var resp struct {
		Domains []struct {
			ID string `json:"id"`
		} `json:"domains"`
	}
	if err := g.client.call(ctx, "get domain", http.MethodGet, "/domains", query, nil, &resp); err != nil {
		return "", err
	}

	var id string
	if len(resp.Domains) > 0 {
		id = resp.Domains[0].ID
	} else {
		enabled := true
		var created struct {
			Domain struct {
				ID string `json:"id"`
			} `json:"domain"`
		}
		err := g.client.call(ctx, "create domain", http.MethodPost, "/domains", nil,
			map[string]any{"domain": map[string]any{"name": g.cfg.DomainName, "enabled": enabled}}, &created)
		if err != nil {
			return "", err
		}
		id = created.Domain.ID
		g.logger.Infof(ctx, "created domain %q (id=%s)", g.cfg.DomainName, id)
	}

	g.mu.Lock()
	g.domainID = id
	g.mu.Unlock()
	return id, nil
}

func (g *Gateway) findProject(ctx context.Context, name, domainID string) (*projectBody, error) {
	query := url.Values{}
	query.Set("name", name)
	query.Set("domain_id", domainID)
	var resp struct {
		Projects []projectBody `json:"projects"`
	}
	if err := g.client.call(ctx, "get project", http.MethodGet, "/projects", query, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Projects) == 0 {
		return nil, nil
	}
	return &resp.Projects[0], nil
}

func (g *Gateway) findUser(ctx context.Context, username, domainID string) (*userBody, error) {
	if username == "" {
		return nil, nil
	}
	query := url.Values{}
	query.Set("name", username)
	query.Set("domain_id", domainID)
	var resp struct {
		Users []userBody `json:"users"`
	}
	if err := g.client.call(ctx, "get user", http.MethodGet, "/users", query, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, nil
	}
	return &resp.Users[0], nil
}

func (g *Gateway) findUserByEmail(ctx context.Context, email, domainID string) (*userBody, error) {
	query := url.Values{}
	query.Set("domain_id", domainID)
	var resp struct {
		Users []userBody `json:"users"`
	}
	if err := g.client.call(ctx, "list users", http.MethodGet, "/users", query, nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Users {
		if resp.Users[i].Email == email {
			return &resp.Users[i], nil
		}
	}
	return nil, nil
}

func (g *Gateway) updateUserEmail(ctx context.Context, userID, email string) error {
	return g.client.call(ctx, "update user", http.MethodPatch, "/users/"+url.PathEscape(userID), nil,
		map[string]any{"user": map[string]any{"email": email}}, nil)
}

func (g *Gateway) findRoleID(ctx context.Context, role string) (string, error) {
	g.mu.Lock()
	cached := g.roleIDs[role]
	g.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	query := url.Values{}
	query.Set("name", role)
	var resp struct {
		Roles []roleBody `json:"roles"`
	}
	if err := g.client.call(ctx, "get role", http.MethodGet, "/roles", query, nil, &resp); err != nil {
		return "", err
	}
	if len(resp.Roles) == 0 {
		return "", nil
	}

	g.mu.Lock()
	g.roleIDs[role] = resp.Roles[0].ID
	g.mu.Unlock()
	return resp.Roles[0].ID, nil
}

func (g *Gateway) ensureRole(ctx context.Context, role string) (string, error) {
	id, err := g.findRoleID(ctx, role)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	var created struct {
		Role roleBody `json:"role"`
	}
	err = g.client.call(ctx, "create role", http.MethodPost, "/roles", nil,
		map[string]roleBody{"role": {Name: role}}, &created)
	if errors.Is(err, errors.CodeBackendConflict) {
		return g.findRoleID(ctx, role)
	}
	if err != nil {
		return "", err
	}

	g.logger.Infof(ctx, "created role %q (id=%s)", role, created.Role.ID)
	g.mu.Lock()
	g.roleIDs[role] = created.Role.ID
	g.mu.Unlock()
	return created.Role.ID, nil
}

func (g *Gateway) cachedUserID(username string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.userIDs[username]
}

func (g *Gateway) rememberUserID(username, id string) {
	g.mu.Lock()
	g.userIDs[username] = id
	g.mu.Unlock()
}

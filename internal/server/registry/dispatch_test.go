package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npmvault/npmvault/internal/common"
	"github.com/npmvault/npmvault/internal/cryptox"
	"github.com/npmvault/npmvault/internal/dbx"
	"github.com/npmvault/npmvault/internal/logging"
	"github.com/npmvault/npmvault/internal/server/models"
	"github.com/npmvault/npmvault/internal/server/repositories/packages"
	"github.com/npmvault/npmvault/internal/server/repositories/repomanager"
	"github.com/npmvault/npmvault/internal/server/repositories/users"
	"github.com/npmvault/npmvault/internal/server/services"
)

// -------- test fakes --------

type nopLogger struct{}

func (nopLogger) Info(context.Context, string, ...any)  {}
func (nopLogger) Warn(context.Context, string, ...any)  {}
func (nopLogger) Error(context.Context, string, ...any) {}
func (l nopLogger) With(...any) logging.Logger          { return l }

type memUsersRepo struct {
	users.Repository
	byName map[string]*models.User
}

func (r *memUsersRepo) Get(ctx context.Context, name string) (*models.User, error) {
	u, ok := r.byName[name]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return u, nil
}

func (r *memUsersRepo) Create(ctx context.Context, u *models.User) (*models.User, error) {
	if _, ok := r.byName[u.Name]; ok {
		return nil, common.ErrorAlreadyExists
	}
	r.byName[u.Name] = u
	return u, nil
}

func (r *memUsersRepo) Update(ctx context.Context, u *models.User) (*models.User, error) {
	r.byName[u.Name] = u
	return u, nil
}

type memPackagesRepo struct {
	packages.Repository
	byName map[string]*models.Package
}

func (r *memPackagesRepo) GetByName(ctx context.Context, name string) (*models.Package, error) {
	p, ok := r.byName[name]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return p, nil
}

func (r *memPackagesRepo) Put(ctx context.Context, p *models.Package) (*models.Package, error) {
	r.byName[p.Name] = p
	return p, nil
}

func (r *memPackagesRepo) Update(ctx context.Context, p *models.Package) (*models.Package, error) {
	r.byName[p.Name] = p
	return p, nil
}

func (r *memPackagesRepo) Delete(ctx context.Context, name string) error {
	delete(r.byName, name)
	return nil
}

type memRepoManager struct {
	repomanager.RepositoryManager
	u *memUsersRepo
	p *memPackagesRepo
}

func (m *memRepoManager) Users(db dbx.DBTX) users.Repository       { return m.u }
func (m *memRepoManager) Packages(db dbx.DBTX) packages.Repository { return m.p }

type memBlobStore struct {
	blobs map[string][]byte
}

func (s *memBlobStore) Put(ctx context.Context, fileName string, data []byte, contentType string) error {
	s.blobs[fileName] = data
	return nil
}

func (s *memBlobStore) Delete(ctx context.Context, fileName string) error {
	delete(s.blobs, fileName)
	return nil
}

func (s *memBlobStore) SignedGetURL(ctx context.Context, fileName string) (string, error) {
	if _, ok := s.blobs[fileName]; !ok {
		return "", common.ErrorNotFound
	}
	return "https://blobs.example.com/" + fileName + "?signed=1", nil
}

type env struct {
	dispatcher *Dispatcher
	users      *services.UserService
	usersRepo  *memUsersRepo
	pkgRepo    *memPackagesRepo
	blobs      *memBlobStore
}

func newEnv(t *testing.T) *env {
	t.Helper()

	usersRepo := &memUsersRepo{byName: map[string]*models.User{}}
	pkgRepo := &memPackagesRepo{byName: map[string]*models.Package{}}
	blobs := &memBlobStore{blobs: map[string][]byte{}}
	repos := &memRepoManager{u: usersRepo, p: pkgRepo}

	codec := cryptox.NewCodec("dispatch-test-secret")
	userSvc := services.NewUserService(nil, repos, codec)
	pkgSvc := services.NewPackageService(nil, repos, userSvc, blobs)

	return &env{
		dispatcher: NewDispatcher(userSvc, pkgSvc, nopLogger{}),
		users:      userSvc,
		usersRepo:  usersRepo,
		pkgRepo:    pkgRepo,
		blobs:      blobs,
	}
}

// addUser registers an identity and returns its bearer header.
func (e *env) addUser(t *testing.T, name, password string, permission []string) (string, *models.User) {
	t.Helper()

	u, err := e.users.Create(context.Background(), name, password, name+"@example.com", "")
	require.NoError(t, err)
	u.Permission = permission

	return "Bearer " + e.users.IssueToken(u), u
}

// -------- tests --------

func TestDispatch_UnknownOperation(t *testing.T) {
	e := newEnv(t)

	_, err := e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/nope", Method: http.MethodPatch}, &Request{})
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestWhoami(t *testing.T) {
	e := newEnv(t)
	header, _ := e.addUser(t, "alice", "hunter2", nil)

	payload, err := e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/-/whoami", Method: http.MethodGet},
		&Request{Authorization: header})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"username": "alice"}, payload)
}

func TestWhoami_NoToken(t *testing.T) {
	e := newEnv(t)

	_, err := e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/-/whoami", Method: http.MethodGet}, &Request{})
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestUserGet(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "alice", "hunter2", nil)

	payload, err := e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/-/user/{name}", Method: http.MethodGet},
		&Request{Params: map[string]string{"name": "org.couchdb.user:alice"}})
	require.NoError(t, err)

	got := payload.(map[string]any)
	assert.Equal(t, "org.couchdb.user:alice", got["_id"])
	assert.Equal(t, "alice", got["name"])
	assert.Equal(t, "alice@example.com", got["email"])
}

func TestUserGet_BadName(t *testing.T) {
	e := newEnv(t)

	_, err := e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/-/user/{name}", Method: http.MethodGet},
		&Request{Params: map[string]string{"name": "alice"}})
	assert.ErrorIs(t, err, common.ErrorBadRequest)
}

func TestUserLogin_CreatesAndReturnsToken(t *testing.T) {
	e := newEnv(t)

	body, _ := json.Marshal(map[string]string{
		"name": "alice", "password": "hunter2", "email": "alice@example.com",
	})
	payload, err := e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/-/user/{name}", Method: http.MethodPut},
		&Request{
			Params: map[string]string{"name": "org.couchdb.user:alice"},
			Body:   body,
		})
	require.NoError(t, err)

	got := payload.(map[string]any)
	token, ok := got["token"].(string)
	require.True(t, ok, "token missing from login payload")

	// The minted token must resolve back to the new identity.
	u, err := e.users.GetByToken(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)
}

func TestUserLogin_ExistingUserPasswordMismatch(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "alice", "hunter2", nil)

	body, _ := json.Marshal(map[string]string{"name": "alice", "password": "wrong"})
	_, err := e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/-/user/{name}", Method: http.MethodPut},
		&Request{
			Params: map[string]string{"name": "org.couchdb.user:alice"},
			Body:   body,
		})
	assert.ErrorIs(t, err, common.ErrorForbidden)
}

func TestUserLogin_ExistingUserCorrectPassword(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "alice", "hunter2", nil)

	body, _ := json.Marshal(map[string]string{"name": "alice", "password": "hunter2"})
	payload, err := e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/-/user/{name}/-rev/{revision}", Method: http.MethodPut},
		&Request{
			Params: map[string]string{"name": "org.couchdb.user:alice", "revision": "1-x"},
			Body:   body,
		})
	require.NoError(t, err)
	assert.Contains(t, payload.(map[string]any), "token")
}

func TestPublishAndGet(t *testing.T) {
	e := newEnv(t)
	header, _ := e.addUser(t, "alice", "hunter2", []string{models.ActionPublish})

	tarball := base64.StdEncoding.EncodeToString([]byte("tar bytes"))
	manifest := map[string]any{
		"name": "left-pad",
		"versions": map[string]any{
			"1.0.0": map[string]any{
				"dist": map[string]any{"tarball": "https://host/left-pad/-/left-pad-1.0.0.tgz"},
			},
		},
		"dist-tags": map[string]any{"latest": "1.0.0"},
		"_attachments": map[string]any{
			"left-pad-1.0.0.tgz": map[string]any{"data": tarball, "content_type": "application/octet-stream"},
		},
	}
	body, _ := json.Marshal(manifest)

	payload, err := e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/{package}", Method: http.MethodPut},
		&Request{
			Authorization: header,
			Params:        map[string]string{"package": "left-pad"},
			Body:          body,
		})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": "Package published."}, payload)

	assert.Equal(t, []byte("tar bytes"), e.blobs.blobs["left-pad-1.0.0.tgz"])

	got, err := e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/{package}", Method: http.MethodGet},
		&Request{
			Authorization: header,
			Params:        map[string]string{"package": "left-pad"},
		})
	require.NoError(t, err)

	info := got.(models.Manifest)
	assert.Equal(t, "left-pad", info["name"])
	_, hasAttachments := info["_attachments"]
	assert.False(t, hasAttachments, "attachments must be stripped before storage")
	rev, _ := info["_rev"].(string)
	assert.True(t, strings.HasPrefix(rev, "1-"))
}

func TestPublish_WithoutPermission(t *testing.T) {
	e := newEnv(t)
	header, _ := e.addUser(t, "bob", "pw", nil)

	body, _ := json.Marshal(map[string]any{"name": "left-pad"})
	_, err := e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/{package}", Method: http.MethodPut},
		&Request{
			Authorization: header,
			Params:        map[string]string{"package": "left-pad"},
			Body:          body,
		})
	assert.ErrorIs(t, err, common.ErrorForbidden)
}

func TestDownload_RedirectsToSignedURL(t *testing.T) {
	e := newEnv(t)
	header, u := e.addUser(t, "alice", "hunter2", []string{models.ActionPublish})
	u.Owner = []string{"left-pad"}

	e.blobs.blobs["left-pad-1.0.0.tgz"] = []byte("tar bytes")
	e.pkgRepo.byName["left-pad"] = &models.Package{
		Name: "left-pad",
		Info: models.Manifest{"name": "left-pad"},
	}

	payload, err := e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/{package}/-/{tarball}", Method: http.MethodGet},
		&Request{
			Authorization: header,
			Params:        map[string]string{"package": "left-pad", "tarball": "left-pad-1.0.0.tgz"},
		})
	require.NoError(t, err)

	redirect, ok := payload.(Redirect)
	require.True(t, ok, "download must yield a Redirect, got %T", payload)
	assert.Contains(t, redirect.URL, "left-pad-1.0.0.tgz")
}

func TestDistTags_Lifecycle(t *testing.T) {
	e := newEnv(t)
	header, u := e.addUser(t, "alice", "hunter2", []string{models.ActionPublish})
	u.Owner = []string{"left-pad"}

	e.pkgRepo.byName["left-pad"] = &models.Package{
		Name: "left-pad",
		Info: models.Manifest{
			"name":      "left-pad",
			"dist-tags": map[string]any{"latest": "1.0.0"},
		},
	}

	// add
	version, _ := json.Marshal("1.0.0")
	payload, err := e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/-/package/{package}/dist-tags/{tag}", Method: http.MethodPut},
		&Request{
			Authorization: header,
			Params:        map[string]string{"package": "left-pad", "tag": "beta"},
			Body:          version,
		})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": "Tags updated."}, payload)

	// list
	payload, err = e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/-/package/{package}/dist-tags", Method: http.MethodGet},
		&Request{
			Authorization: header,
			Params:        map[string]string{"package": "left-pad"},
		})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"latest": "1.0.0", "beta": "1.0.0"}, payload)

	// remove
	payload, err = e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/-/package/{package}/dist-tags/{tag}", Method: http.MethodDelete},
		&Request{
			Authorization: header,
			Params:        map[string]string{"package": "left-pad", "tag": "beta"},
		})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": "Tags removed."}, payload)

	tags := e.pkgRepo.byName["left-pad"].Info.DistTags()
	assert.Equal(t, map[string]any{"latest": "1.0.0"}, tags)
}

func TestDistTagAdd_MissingVersion(t *testing.T) {
	e := newEnv(t)
	header, _ := e.addUser(t, "alice", "hunter2", nil)

	_, err := e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/-/package/{package}/dist-tags/{tag}", Method: http.MethodPut},
		&Request{
			Authorization: header,
			Params:        map[string]string{"package": "left-pad", "tag": "beta"},
			Body:          nil,
		})
	assert.ErrorIs(t, err, common.ErrorBadRequest)
}

func TestUnpublish_UndefinedRevisionRemovesEverything(t *testing.T) {
	e := newEnv(t)
	header, u := e.addUser(t, "alice", "hunter2", []string{models.ActionPublish})
	u.Owner = []string{"left-pad"}

	e.blobs.blobs["left-pad-1.0.0.tgz"] = []byte("v1")
	e.pkgRepo.byName["left-pad"] = &models.Package{
		Name: "left-pad",
		Info: models.Manifest{
			"name": "left-pad",
			"versions": map[string]any{
				"1.0.0": map[string]any{
					"dist": map[string]any{"tarball": "https://host/left-pad/-/left-pad-1.0.0.tgz"},
				},
			},
		},
	}

	payload, err := e.dispatcher.Dispatch(context.Background(),
		Key{Path: "/{package}/-rev/{revision}", Method: http.MethodDelete},
		&Request{
			Authorization: header,
			Params:        map[string]string{"package": "left-pad", "revision": "undefined"},
		})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": "Package removed."}, payload)

	assert.Empty(t, e.pkgRepo.byName)
	assert.Empty(t, e.blobs.blobs)
}

func TestErrorResponse_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid token", common.ErrInvalidToken, http.StatusUnauthorized},
		{"forbidden", common.ErrorForbidden, http.StatusForbidden},
		{"not found", common.ErrorNotFound, http.StatusNotFound},
		{"already exists", common.ErrorAlreadyExists, http.StatusConflict},
		{"bad request", common.ErrorBadRequest, http.StatusBadRequest},
		{"store failure", common.ErrorStore, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, payload := ErrorResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.NotEmpty(t, payload.Error)
		})
	}
}

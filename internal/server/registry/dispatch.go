// Package registry maps npm client operations onto the registry services.
//
// Every operation is identified by a Key: the matched path template plus the
// HTTP-style method. A finite table binds each Key to a handler with the
// uniform signature (ctx, request) -> (payload, error). The transport edge
// owns routing and serialization; this layer owns authentication, the
// operation semantics, and the translation of internal errors into
// caller-facing error payloads.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/npmvault/npmvault/internal/common"
	"github.com/npmvault/npmvault/internal/logging"
	"github.com/npmvault/npmvault/internal/server/models"
	"github.com/npmvault/npmvault/internal/server/services"
)

// Key identifies one operation: a path template and a method.
type Key struct {
	Path   string
	Method string
}

// Request is the transport-independent operation envelope.
type Request struct {
	Authorization string
	Params        map[string]string
	Body          json.RawMessage
}

// Handler executes one operation and returns the success payload the edge
// echoes upstream verbatim.
type Handler func(ctx context.Context, req *Request) (any, error)

// Redirect instructs the edge to send the caller to url instead of a body.
type Redirect struct {
	URL string
}

// ErrorPayload is the caller-facing error object.
type ErrorPayload struct {
	Error string `json:"error"`
}

var couchUserRe = regexp.MustCompile(`^org\.couchdb\.user:(.+)$`)

type Dispatcher struct {
	users    *services.UserService
	packages *services.PackageService
	logger   logging.Logger
	table    map[Key]Handler
}

func NewDispatcher(users *services.UserService, packages *services.PackageService, logger logging.Logger) *Dispatcher {
	d := &Dispatcher{users: users, packages: packages, logger: logger}

	d.table = map[Key]Handler{
		{"/-/whoami", http.MethodGet}: d.whoami,

		{"/-/user/{name}", http.MethodGet}:                 d.userGet,
		{"/-/user/{name}", http.MethodPut}:                 d.userLogin,
		{"/-/user/{name}/-rev/{revision}", http.MethodPut}: d.userLogin,

		{"/{package}", http.MethodGet}:             d.packageGet,
		{"/{package}", http.MethodPut}:             d.publish,
		{"/{package}/-/{tarball}", http.MethodGet}: d.download,

		{"/-/package/{package}/dist-tags", http.MethodGet}:          d.authed(d.distTagsList),
		{"/-/package/{package}/dist-tags/{tag}", http.MethodPut}:    d.authed(d.distTagAdd),
		{"/-/package/{package}/dist-tags/{tag}", http.MethodDelete}: d.authed(d.distTagRemove),

		{"/{package}/-rev/{revision}", http.MethodDelete}: d.authed(d.unpublish),
	}

	return d
}

// Keys lists every operation in the table, for the edge to bind routes from.
func (d *Dispatcher) Keys() []Key {
	keys := make([]Key, 0, len(d.table))
	for k := range d.table {
		keys = append(keys, k)
	}
	return keys
}

// Dispatch runs the operation for key. An unknown key fails with
// common.ErrorNotFound.
func (d *Dispatcher) Dispatch(ctx context.Context, key Key, req *Request) (any, error) {
	h, ok := d.table[key]
	if !ok {
		return nil, fmt.Errorf("%w: no operation %s %s", common.ErrorNotFound, key.Method, key.Path)
	}

	payload, err := h(ctx, req)
	if err != nil {
		d.logger.Warn(ctx, "operation failed",
			"path", key.Path, "method", key.Method, "error", err.Error())
		return nil, err
	}
	return payload, nil
}

// authed wraps a handler that needs a resolved identity. A missing or bad
// bearer token fails before the handler runs.
func (d *Dispatcher) authed(h func(ctx context.Context, user *models.User, req *Request) (any, error)) Handler {
	return func(ctx context.Context, req *Request) (any, error) {
		if req.Authorization == "" {
			return nil, fmt.Errorf("%w: no authorization", common.ErrInvalidToken)
		}
		user, err := d.users.GetByToken(ctx, req.Authorization)
		if err != nil {
			return nil, err
		}
		return h(ctx, user, req)
	}
}

// --- user operations ---

func (d *Dispatcher) whoami(ctx context.Context, req *Request) (any, error) {
	return d.authed(func(ctx context.Context, user *models.User, _ *Request) (any, error) {
		return map[string]any{"username": user.Name}, nil
	})(ctx, req)
}

func (d *Dispatcher) userGet(ctx context.Context, req *Request) (any, error) {
	m := couchUserRe.FindStringSubmatch(req.Params["name"])
	if m == nil {
		return nil, fmt.Errorf("%w: user was not provided", common.ErrorBadRequest)
	}

	user, err := d.users.GetByName(ctx, m[1])
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"_id":   "org.couchdb.user:" + user.Name,
		"name":  user.Name,
		"email": user.Email,
	}, nil
}

// userLogin is the npm adduser/login flow: fetch-or-create, then verify the
// password and hand back a token bound to the stored credential digest.
func (d *Dispatcher) userLogin(ctx context.Context, req *Request) (any, error) {
	m := couchUserRe.FindStringSubmatch(req.Params["name"])
	if m == nil {
		return nil, fmt.Errorf("%w: user was not provided", common.ErrorBadRequest)
	}

	var body struct {
		Name     string `json:"name"`
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrorBadRequest, err)
	}

	user, err := d.users.GetByName(ctx, m[1])
	if errors.Is(err, common.ErrorNotFound) {
		user, err = d.users.Create(ctx, body.Name, body.Password, body.Email, "")
	}
	if err != nil {
		return nil, err
	}

	if !d.users.MatchPassword(user, body.Password) {
		return nil, fmt.Errorf("%w: password mismatch", common.ErrorForbidden)
	}

	return map[string]any{
		"ok":    fmt.Sprintf("User '%s' created.", user.Name),
		"token": d.users.IssueToken(user),
	}, nil
}

// --- package operations ---

func (d *Dispatcher) packageGet(ctx context.Context, req *Request) (any, error) {
	return d.authed(func(ctx context.Context, user *models.User, req *Request) (any, error) {
		return d.packages.Get(ctx, user, req.Params["package"])
	})(ctx, req)
}

func (d *Dispatcher) publish(ctx context.Context, req *Request) (any, error) {
	return d.authed(func(ctx context.Context, user *models.User, req *Request) (any, error) {
		manifest := models.Manifest{}
		if err := json.Unmarshal(req.Body, &manifest); err != nil {
			return nil, fmt.Errorf("%w: %s", common.ErrorBadRequest, err)
		}

		attachments := map[string]services.Attachment{}
		if raw, ok := manifest["_attachments"]; ok {
			b, err := json.Marshal(raw)
			if err == nil {
				err = json.Unmarshal(b, &attachments)
			}
			if err != nil {
				return nil, fmt.Errorf("%w: malformed attachments", common.ErrorBadRequest)
			}
			delete(manifest, "_attachments")
		}

		name := req.Params["package"]
		if err := d.packages.Publish(ctx, user, name, manifest, attachments); err != nil {
			return nil, err
		}
		return map[string]any{"ok": "Package published."}, nil
	})(ctx, req)
}

func (d *Dispatcher) download(ctx context.Context, req *Request) (any, error) {
	return d.authed(func(ctx context.Context, user *models.User, req *Request) (any, error) {
		url, err := d.packages.DownloadURL(ctx, user, req.Params["package"], req.Params["tarball"])
		if err != nil {
			return nil, err
		}
		return Redirect{URL: url}, nil
	})(ctx, req)
}

func (d *Dispatcher) distTagsList(ctx context.Context, user *models.User, req *Request) (any, error) {
	return d.packages.DistTags(ctx, user, req.Params["package"])
}

func (d *Dispatcher) distTagAdd(ctx context.Context, user *models.User, req *Request) (any, error) {
	// npm sends the version as a bare JSON string body.
	var version string
	if err := json.Unmarshal(req.Body, &version); err != nil {
		version = req.Params["version"]
	}
	if version == "" {
		return nil, fmt.Errorf("%w: version was not provided", common.ErrorBadRequest)
	}

	err := d.packages.SetDistTag(ctx, user, req.Params["package"], req.Params["tag"], version)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": "Tags updated."}, nil
}

func (d *Dispatcher) distTagRemove(ctx context.Context, user *models.User, req *Request) (any, error) {
	err := d.packages.RemoveDistTag(ctx, user, req.Params["package"], req.Params["tag"])
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": "Tags removed."}, nil
}

func (d *Dispatcher) unpublish(ctx context.Context, user *models.User, req *Request) (any, error) {
	revision := req.Params["revision"]
	// The npm client sends the literal string "undefined" for a whole-package
	// unpublish.
	if revision == "undefined" {
		revision = ""
	}

	if err := d.packages.Unpublish(ctx, user, req.Params["package"], revision); err != nil {
		return nil, err
	}
	return map[string]any{"ok": "Package removed."}, nil
}

// --- boundary error translation ---

// ErrorResponse translates an operation error into the HTTP status and the
// caller-facing payload. Internal detail never crosses the boundary.
func ErrorResponse(err error) (int, ErrorPayload) {
	switch {
	case errors.Is(err, common.ErrInvalidToken):
		return http.StatusUnauthorized, ErrorPayload{Error: "You need to login to access this registry."}
	case errors.Is(err, common.ErrorForbidden):
		return http.StatusForbidden, ErrorPayload{Error: "You do not have permission to access this package."}
	case errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound, ErrorPayload{Error: "Not found."}
	case errors.Is(err, common.ErrorAlreadyExists):
		return http.StatusConflict, ErrorPayload{Error: "Already exists."}
	case errors.Is(err, common.ErrorBadRequest):
		return http.StatusBadRequest, ErrorPayload{Error: "Bad request."}
	default:
		return http.StatusInternalServerError, ErrorPayload{Error: "Internal error."}
	}
}

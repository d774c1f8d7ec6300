// Package httpapi is the HTTP edge of the registry. It binds one echo route
// per dispatch-table operation, translates requests into the transport
// independent envelope, and renders payloads, redirects, and error objects.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/npmvault/npmvault/internal/logging"
	"github.com/npmvault/npmvault/internal/server/registry"
)

type Server struct {
	echo       *echo.Echo
	dispatcher *registry.Dispatcher
	logger     logging.Logger
}

func NewServer(dispatcher *registry.Dispatcher, logger logging.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, dispatcher: dispatcher, logger: logger}

	for _, key := range dispatcher.Keys() {
		e.Add(key.Method, echoPath(key.Path), s.handle(key))
	}

	return s
}

// echoPath rewrites "{param}" segments into echo's ":param" form.
func echoPath(template string) string {
	segments := strings.Split(template, "/")
	for i, seg := range segments {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			segments[i] = ":" + seg[1:len(seg)-1]
		}
	}
	return strings.Join(segments, "/")
}

func (s *Server) handle(key registry.Key) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.JSON(http.StatusBadRequest, registry.ErrorPayload{Error: "Bad request."})
		}

		params := map[string]string{}
		for _, name := range c.ParamNames() {
			value := c.Param(name)
			// Scoped package names arrive percent-encoded (@scope%2fname).
			if decoded, err := url.PathUnescape(value); err == nil {
				value = decoded
			}
			params[name] = value
		}

		req := &registry.Request{
			Authorization: c.Request().Header.Get(echo.HeaderAuthorization),
			Params:        params,
			Body:          body,
		}

		payload, err := s.dispatcher.Dispatch(c.Request().Context(), key, req)
		if err != nil {
			status, errPayload := registry.ErrorResponse(err)
			return c.JSON(status, errPayload)
		}

		if redirect, ok := payload.(registry.Redirect); ok {
			return c.Redirect(http.StatusSeeOther, redirect.URL)
		}
		return c.JSON(http.StatusOK, payload)
	}
}

// Start serves on addr until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.logger.Info(context.Background(), "http server starting", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP makes the server usable as a plain http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

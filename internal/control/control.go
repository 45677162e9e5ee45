// Package control implements the node's admin surface: bearer-JWT-gated
// endpoints to inspect the blocklist, list and reload the route table, and
// trigger a peer resync; there is no rate-limiter endpoint. These sit
// alongside the data-plane ingress on a separate, operator-only listener.
package control

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/aegis-network/aegis-node/internal/aegiserr"
	"github.com/aegis-network/aegis-node/internal/config"
	"github.com/aegis-network/aegis-node/internal/gossip"
	"github.com/aegis-network/aegis-node/internal/httputil"
	"github.com/aegis-network/aegis-node/internal/router"
	"github.com/aegis-network/aegis-node/internal/security"
)

// RouteReloader recompiles and atomic-swaps the route table (spec §4.6).
type RouteReloader interface {
	Reload(defs []router.Definition) error
}

// ResyncTrigger asks the gossip subsystem to request peers' entries newer
// than this node's last-seen mark (spec §4.9).
type ResyncTrigger interface {
	RequestResync(sinceUnix int64) error
}

// Server exposes the /admin/* handlers.
type Server struct {
	router    *mux.Router
	jwtSecret []byte

	dispatcher *router.Dispatcher
	reloader   RouteReloader
	blocklist  *gossip.Store
	resync     ResyncTrigger
}

func NewServer(cfg config.AdminConfig, dispatcher *router.Dispatcher, reloader RouteReloader, blocklist *gossip.Store, resync ResyncTrigger) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		jwtSecret:  []byte(cfg.JWTSecret),
		dispatcher: dispatcher,
		reloader:   reloader,
		blocklist:  blocklist,
		resync:     resync,
	}
	s.registerRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) registerRoutes() {
	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(s.authenticate)
	admin.HandleFunc("/blocklist", s.listBlocklist).Methods(http.MethodGet)
	admin.HandleFunc("/routes/reload", s.reloadRoutes).Methods(http.MethodPost)
	admin.HandleFunc("/routes", s.listRoutes).Methods(http.MethodGet)
	admin.HandleFunc("/gossip/resync", s.triggerResync).Methods(http.MethodPost)
}

// authenticate enforces the bearer-JWT gate (spec §7 "Authentication-adjacent
// state never recovers; it fails closed" -- any token error is a hard 401,
// never a fallback to an unauthenticated view).
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(authz, prefix) {
			httputil.WriteError(w, r, aegiserr.Unauthorized("missing bearer token"))
			return
		}
		tokenStr := strings.TrimPrefix(authz, prefix)

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, aegiserr.Unauthorized("unexpected signing method")
			}
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			httputil.WriteError(w, r, aegiserr.Unauthorized("invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listBlocklist(w http.ResponseWriter, r *http.Request) {
	if s.blocklist == nil {
		httputil.WriteJSON(w, http.StatusOK, []gossip.Entry{})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.blocklist.Snapshot())
}

type reloadRoutesRequest struct {
	Routes []router.Definition `json:"routes"`
}

func (s *Server) reloadRoutes(w http.ResponseWriter, r *http.Request) {
	var req reloadRoutesRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if s.reloader == nil {
		httputil.WriteError(w, r, aegiserr.Internal("no route reloader configured", nil))
		return
	}
	if err := s.reloader.Reload(req.Routes); err != nil {
		httputil.WriteError(w, r, aegiserr.MalformedRequest(security.Error(err)))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"routes": len(req.Routes)})
}

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		httputil.WriteJSON(w, http.StatusOK, []router.Route{})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.dispatcher.Snapshot().Routes())
}

func (s *Server) triggerResync(w http.ResponseWriter, r *http.Request) {
	if s.resync == nil || s.blocklist == nil {
		httputil.WriteError(w, r, aegiserr.Internal("resync not available", nil))
		return
	}
	since := s.blocklist.LastSeen()
	if err := s.resync.RequestResync(since); err != nil {
		httputil.WriteError(w, r, aegiserr.Internal("resync request failed", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"since": since})
}

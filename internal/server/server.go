// Package server implements the External Interfaces layer (spec §6, L12):
// HTTP/1.1 and HTTP/2 ingress with TLS ClientHello capture for the
// fingerprinter, and the upstream client used by the pipeline's origin
// fetch.
package server

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/aegis-network/aegis-node/internal/httputil"
	"github.com/aegis-network/aegis-node/internal/reqctx"
	"github.com/aegis-network/aegis-node/internal/tlsfp"
)

// Handler is the pipeline controller's entrypoint, given the resolved
// client IP (spec §6.1 trusted-proxy-chain resolution happens before this
// call) and the TLS fingerprint captured during the handshake, if any.
type Handler interface {
	Handle(w http.ResponseWriter, r *http.Request, clientIP string, fp reqctx.Fingerprint)
}

// Config describes the listener (spec §6.6 server.*, tls.*).
type Config struct {
	Addr           string
	TLSAddr        string
	CertFile       string
	KeyFile        string
	MaxConnections int
	NodeID         string
	TrustedProxies *httputil.TrustedProxies
}

// ingressState stores the captured TLS fingerprint for a connection so
// the handler can attach it to the Request Context without re-parsing
// the handshake (spec §4.2).
type ingressState struct {
	mu           sync.Mutex
	fingerprints map[string]reqctx.Fingerprint
}

func newIngressState() *ingressState {
	return &ingressState{fingerprints: make(map[string]reqctx.Fingerprint)}
}

func (s *ingressState) store(remoteAddr string, fp reqctx.Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprints[remoteAddr] = fp
}

func (s *ingressState) take(remoteAddr string) (reqctx.Fingerprint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.fingerprints[remoteAddr]
	delete(s.fingerprints, remoteAddr)
	return fp, ok
}

// Ingress owns the HTTP listeners and the middleware chain wrapping the
// pipeline controller.
type Ingress struct {
	cfg     Config
	handler Handler
	state   *ingressState

	httpServer  *http.Server
	httpsServer *http.Server
}

// NewIngress builds the mux router and middleware chain, then wraps it in
// the plaintext and (if configured) TLS *http.Server instances.
func NewIngress(cfg Config, handler Handler, chain func(http.Handler) http.Handler) *Ingress {
	state := newIngressState()

	router := mux.NewRouter()
	router.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := resolveClientIP(r, cfg.TrustedProxies)
		var fp reqctx.Fingerprint
		if r.TLS != nil {
			fp, _ = state.take(r.RemoteAddr)
		}
		handler.Handle(w, r, clientIP, fp)
	})

	var root http.Handler = router
	if chain != nil {
		root = chain(router)
	}

	in := &Ingress{cfg: cfg, handler: handler, state: state}

	in.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           root,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	if cfg.TLSAddr != "" && cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
			GetConfigForClient: func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
				fp := tlsfp.Fingerprint(tlsfp.FromHelloInfo(chi))
				state.store(chi.Conn.RemoteAddr().String(), fp)
				return nil, nil
			},
		}
		in.httpsServer = &http.Server{
			Addr:              cfg.TLSAddr,
			Handler:           root,
			TLSConfig:         tlsConfig,
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		}
	}

	return in
}

func (in *Ingress) ListenAndServe() error {
	if in.httpServer == nil {
		return nil
	}
	err := in.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (in *Ingress) ListenAndServeTLS() error {
	if in.httpsServer == nil {
		return nil
	}
	err := in.httpsServer.ListenAndServeTLS(in.cfg.CertFile, in.cfg.KeyFile)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (in *Ingress) Shutdown(ctx context.Context) error {
	if in.httpServer != nil {
		if err := in.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	if in.httpsServer != nil {
		return in.httpsServer.Shutdown(ctx)
	}
	return nil
}

// resolveClientIP delegates to httputil's trusted-proxy-chain resolver
// (spec §6.1).
func resolveClientIP(r *http.Request, trusted *httputil.TrustedProxies) string {
	return httputil.ClientIP(r, trusted)
}

// UpstreamClient fetches from a single configured origin per route (spec
// §4.1 Respond, Non-goals: "no origin selection / load-balancing between
// multiple upstreams").
type UpstreamClient struct {
	client *http.Client
}

func NewUpstreamClient(connectTimeout, readTimeout time.Duration) *UpstreamClient {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	return &UpstreamClient{
		client: &http.Client{
			Timeout: connectTimeout + readTimeout,
		},
	}
}

// Fetch issues a request against upstream, carrying method/headers/body
// over from the inbound request (spec §4.1's Respond stage).
func (u *UpstreamClient) Fetch(ctx context.Context, upstreamURL string, r *http.Request) (int, map[string][]string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, r.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header = r.Header.Clone()

	resp, err := u.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, map[string][]string(resp.Header), body, nil
}

// Package router classifies every incoming request into exactly one serving
// strategy: network-first for the remote API and administrative pages,
// cache-first for the kiosk surface, passthrough for everything else. The
// rules form an ordered table evaluated top to bottom, first match wins, so
// the priority order stays auditable and testable in isolation.
package router

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tillpoint/go-kiosk-sync/cache"
	"github.com/tillpoint/go-kiosk-sync/logging"
)

// Config holds router configuration.
type Config struct {
	// Upstream is the POS application origin the router fronts.
	Upstream *url.URL

	// Remote is the back-office API base URL. Requests addressed to its
	// origin are always network-first.
	Remote *url.URL

	// APIPrefix is the path prefix the UI uses for relative remote-API
	// calls; requests under it are proxied to Remote.
	APIPrefix string

	// KioskPrefix designates the point-of-sale surface, served cache-first.
	KioskPrefix string

	// OfflinePath is the pre-cached fallback page for failed navigations.
	OfflinePath string
}

func (c *Config) setDefaults() {
	if c.APIPrefix == "" {
		c.APIPrefix = "/api/"
	}
	if c.KioskPrefix == "" {
		c.KioskPrefix = "/kiosk"
	}
	if c.OfflinePath == "" {
		c.OfflinePath = "/offline.html"
	}
}

// rule pairs a request predicate with its serving strategy. The name shows up
// in debug logs so misrouted requests can be traced to the matching rule.
type rule struct {
	name  string
	match func(*http.Request) bool
	serve http.HandlerFunc
}

// Router is the http.Handler fronting the kiosk.
type Router struct {
	cfg    Config
	cache  *cache.Manager
	client *http.Client
	rules  []rule
	logger *slog.Logger
}

// New creates a router over the given cache manager.
func New(cfg Config, cacheManager *cache.Manager, client *http.Client) *Router {
	cfg.setDefaults()
	if client == nil {
		client = http.DefaultClient
	}

	rt := &Router{
		cfg:    cfg,
		cache:  cacheManager,
		client: client,
		logger: logging.WithComponent(logging.Component("router")).Logger,
	}

	rt.rules = []rule{
		{name: "remote-api", match: rt.isRemoteAPI, serve: rt.serveRemoteAPI},
		{name: "kiosk-navigation", match: rt.isKioskNavigation, serve: rt.serveKioskNavigation},
		{name: "navigation", match: isNavigation, serve: rt.serveNavigation},
		{name: "kiosk-asset", match: rt.isKioskAsset, serve: rt.serveKioskAsset},
		{name: "passthrough", match: func(*http.Request) bool { return true }, serve: rt.servePassthrough},
	}

	return rt
}

// ServeHTTP dispatches to the first matching rule.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, rule := range rt.rules {
		if rule.match(r) {
			rt.logger.Debug("request routed",
				slog.String("rule", rule.name),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path))
			rule.serve(w, r)
			return
		}
	}
}

// isRemoteAPI matches requests addressed to the remote back-office origin,
// either in absolute form or via the relative API prefix the UI uses.
func (rt *Router) isRemoteAPI(r *http.Request) bool {
	if r.URL.IsAbs() && r.URL.Host == rt.cfg.Remote.Host {
		return true
	}
	return strings.HasPrefix(r.URL.Path, rt.cfg.APIPrefix)
}

// isNavigation reports whether the request is a full-page navigation.
func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (rt *Router) isKioskNavigation(r *http.Request) bool {
	return isNavigation(r) && strings.HasPrefix(r.URL.Path, rt.cfg.KioskPrefix)
}

// isKioskAsset matches GET requests whose referring page sits under the kiosk
// prefix: static assets the kiosk surface needs to keep working offline.
func (rt *Router) isKioskAsset(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	ref, err := url.Parse(r.Header.Get("Referer"))
	if err != nil || ref.Path == "" {
		return false
	}
	return strings.HasPrefix(ref.Path, rt.cfg.KioskPrefix)
}

// serveRemoteAPI proxies to the remote origin, network-first. On network
// failure a navigation falls back to the offline page; any other request sees
// the failure.
func (rt *Router) serveRemoteAPI(w http.ResponseWriter, r *http.Request) {
	target := *rt.cfg.Remote
	target.Path = singleJoin(target.Path, strings.TrimPrefix(r.URL.Path, strings.TrimSuffix(rt.cfg.APIPrefix, "/")))
	target.RawQuery = r.URL.RawQuery

	snap, err := rt.fetch(r, &target)
	if err != nil {
		if isNavigation(r) {
			rt.serveOfflinePage(w, r)
			return
		}
		rt.logger.Warn("remote API unreachable",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		http.Error(w, "remote API unreachable", http.StatusBadGateway)
		return
	}
	writeSnapshot(w, snap)
}

// serveKioskNavigation is cache-first with write-through: a cached page wins,
// otherwise the fetched page is cached in the current generation, and with
// neither the offline fallback is served.
func (rt *Router) serveKioskNavigation(w http.ResponseWriter, r *http.Request) {
	key := r.URL.RequestURI()
	if snap, ok, err := rt.cache.Lookup(r.Context(), http.MethodGet, key); err == nil && ok {
		writeSnapshot(w, snap)
		return
	}

	snap, err := rt.fetchUpstream(r)
	if err != nil {
		rt.serveOfflinePage(w, r)
		return
	}

	if cacheErr := rt.cache.CacheIfSuccessful(r.Context(), http.MethodGet, key, snap); cacheErr != nil {
		rt.logger.Warn("failed to cache kiosk page",
			slog.String("path", r.URL.Path),
			slog.String("error", cacheErr.Error()))
	}
	writeSnapshot(w, snap)
}

// serveNavigation is network-first with no caching; failures get the offline
// fallback page.
func (rt *Router) serveNavigation(w http.ResponseWriter, r *http.Request) {
	snap, err := rt.fetchUpstream(r)
	if err != nil {
		rt.serveOfflinePage(w, r)
		return
	}
	writeSnapshot(w, snap)
}

// serveKioskAsset is cache-first with write-through. On total failure it
// returns a synthetic empty 404 so the kiosk UI degrades gracefully for
// optional assets instead of seeing a transport error.
func (rt *Router) serveKioskAsset(w http.ResponseWriter, r *http.Request) {
	key := r.URL.RequestURI()
	if snap, ok, err := rt.cache.Lookup(r.Context(), http.MethodGet, key); err == nil && ok {
		writeSnapshot(w, snap)
		return
	}

	snap, err := rt.fetchUpstream(r)
	if err != nil {
		rt.logger.Debug("kiosk asset unavailable, serving synthetic 404",
			slog.String("path", r.URL.Path))
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if cacheErr := rt.cache.CacheIfSuccessful(r.Context(), http.MethodGet, key, snap); cacheErr != nil {
		rt.logger.Warn("failed to cache kiosk asset",
			slog.String("path", r.URL.Path),
			slog.String("error", cacheErr.Error()))
	}
	writeSnapshot(w, snap)
}

// servePassthrough forwards to the upstream untouched and uncached.
func (rt *Router) servePassthrough(w http.ResponseWriter, r *http.Request) {
	snap, err := rt.fetchUpstream(r)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	writeSnapshot(w, snap)
}

// serveOfflinePage answers a failed navigation from the pre-cached offline
// fallback. The page is guaranteed present after a successful install; a miss
// here means the generation never installed and 503 is all that is left.
func (rt *Router) serveOfflinePage(w http.ResponseWriter, r *http.Request) {
	snap, ok, err := rt.cache.Lookup(r.Context(), http.MethodGet, rt.cfg.OfflinePath)
	if err != nil || !ok {
		rt.logger.Error("offline fallback page missing from cache",
			slog.String("offline_path", rt.cfg.OfflinePath))
		http.Error(w, "offline", http.StatusServiceUnavailable)
		return
	}
	writeSnapshot(w, snap)
}

// fetchUpstream forwards the request to the application origin.
func (rt *Router) fetchUpstream(r *http.Request) (*cache.Snapshot, error) {
	target := *rt.cfg.Upstream
	target.Path = singleJoin(target.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery
	return rt.fetch(r, &target)
}

// fetch performs the outbound request and snapshots the response.
func (rt *Router) fetch(r *http.Request, target *url.URL) (*cache.Snapshot, error) {
	ctx := r.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}
	for k, vv := range r.Header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}

	resp, err := rt.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &cache.Snapshot{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

func writeSnapshot(w http.ResponseWriter, snap *cache.Snapshot) {
	for k, vv := range snap.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(snap.Status)
	_, _ = w.Write(snap.Body)
}

func singleJoin(a, b string) string {
	switch {
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	default:
		return a + b
	}
}

// Package api exposes the HTTP surface: the REST command envelope, the
// batch upload endpoint, the live viewer websocket and the health probes.
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/gollum18/senslify-web/internal/logging"
	"github.com/gollum18/senslify-web/internal/provision"
	"github.com/gollum18/senslify-web/internal/rooms"
	"github.com/gollum18/senslify-web/internal/store"
	"github.com/gollum18/senslify-web/internal/ws"
)

// Options tunes the API surface.
type Options struct {
	// Debug includes backend diagnostics in error responses.
	Debug bool

	// StreamDepth is the number of recent readings replayed to a viewer on
	// a stream switch.
	StreamDepth int

	// RateLimit caps requests per client per minute; zero disables the cap.
	RateLimit int
}

// API wires the storage provider, the session registry and the
// provisioning service behind the HTTP surface.
type API struct {
	provider    store.Provider
	registry    *rooms.Registry
	dispatcher  *rooms.Dispatcher
	provisioner *provision.Service

	opts     Options
	limiter  *requestLimiter
	upgrader websocket.Upgrader
	clients  sync.Map
}

// New builds the API over provider and registry.
func New(provider store.Provider, registry *rooms.Registry, opts Options) *API {
	api := &API{
		provider:    provider,
		registry:    registry,
		dispatcher:  rooms.NewDispatcher(registry),
		provisioner: provision.NewService(provider),
		opts:        opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if opts.RateLimit > 0 {
		api.limiter = newRequestLimiter(opts.RateLimit, time.Minute)
	}
	return api
}

// Router assembles the route tree.
func (api *API) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	router.Get("/health", api.handleHealth)
	router.Get("/ready", api.handleReady)

	router.Group(func(limited chi.Router) {
		limited.Use(api.rateLimit)
		limited.Post("/api/rest", api.handleCommand)
		limited.Post("/api/upload", api.handleUpload)
	})

	router.Get("/ws", api.handleSocket)
	return router
}

func (api *API) handleHealth(response http.ResponseWriter, request *http.Request) {
	writeJSON(response, http.StatusOK, map[string]any{
		"status": "ok",
		"rooms":  api.registry.RoomCount(),
	})
}

func (api *API) handleReady(response http.ResponseWriter, request *http.Request) {
	if err := api.provider.Ping(request.Context()); err != nil {
		writeError(response, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(response, http.StatusOK, map[string]string{"status": "ready"})
}

// handleSocket upgrades the connection and runs the viewer session until
// the viewer closes or the transport fails.
func (api *API) handleSocket(response http.ResponseWriter, request *http.Request) {
	conn, err := api.upgrader.Upgrade(response, request, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := ws.NewClient(conn)
	session := ws.NewSession(client, api.registry, api.provider,
		ws.WithStreamDepth(api.opts.StreamDepth),
		ws.WithDebug(api.opts.Debug))

	api.clients.Store(client.ID(), client)
	defer api.clients.Delete(client.ID())
	ws.Serve(request.Context(), conn, session)
}

// Shutdown tells every live viewer the server is going away. Called after
// the HTTP listener has stopped accepting connections.
func (api *API) Shutdown() {
	api.clients.Range(func(_, value any) bool {
		value.(*ws.Client).CloseGoingAway()
		return true
	})
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(response, request.ProtoMajor)
		next.ServeHTTP(wrapped, request)
		logging.Info().
			Str("method", request.Method).
			Str("path", request.URL.Path).
			Int("status", wrapped.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (api *API) rateLimit(next http.Handler) http.Handler {
	if api.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		if !api.limiter.Allow(clientIdentity(request), time.Now()) {
			writeError(response, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(response, request)
	})
}

func writeJSON(response http.ResponseWriter, statusCode int, payload any) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(statusCode)
	_ = json.NewEncoder(response).Encode(payload)
}

func writeError(response http.ResponseWriter, statusCode int, message string) {
	writeJSON(response, statusCode, map[string]string{"error": message})
}

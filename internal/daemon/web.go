package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mupeer.dev/go/mupeer/internal/replica"
)

// UIFilesystem is set from main package with embedded UI files
var UIFilesystem fs.FS

// maxBodySize caps PUT bodies
const maxBodySize = 1 << 20

// WebServer serves the JSON API and the event socket on loopback
type WebServer struct {
	daemon *Daemon
	server *http.Server

	mu   sync.Mutex
	addr string
}

// NewWebServer creates a new web server. Port zero picks a free port.
func NewWebServer(daemon *Daemon, port int) *WebServer {
	ws := &WebServer{daemon: daemon}
	ws.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      ws.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return ws
}

// Handler returns the chi router with all routes mounted
func (ws *WebServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", ws.handleStatus)
		r.Get("/metrics", ws.handleMetrics)
		r.Get("/logs", ws.handleLogs)
		r.Get("/peers", ws.handlePeers)
		r.Get("/host", ws.handleHost)
		r.Post("/host/claim", ws.handleHostClaim)
		r.Post("/session/reset", ws.handleReset)
		r.Get("/values", ws.handleValues)
		r.Get("/values/{name}", ws.handleValue)
		r.Put("/values/{name}", ws.handleSetValue)
	})

	r.Get("/ws", ws.daemon.Hub().HandleWebSocket)

	if UIFilesystem != nil {
		r.Handle("/*", http.FileServer(http.FS(UIFilesystem)))
	} else {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html><body><h1>mupeer</h1><p>Web UI not available</p></body></html>"))
		})
	}

	return r
}

// Start listens and serves in the background
func (ws *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ws.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", ws.server.Addr, err)
	}

	ws.mu.Lock()
	ws.addr = ln.Addr().String()
	ws.mu.Unlock()

	slog.Info("Web server listening", "addr", ws.Addr())

	go func() {
		if err := ws.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Web server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the listening address once started
func (ws *WebServer) Addr() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.addr
}

// Stop stops the web server
func (ws *WebServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws.server.Shutdown(ctx)
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, ws.daemon.Status())
}

func (ws *WebServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, ws.daemon.MetricsSnapshot())
}

func (ws *WebServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	opts := QueryOpts{Limit: 500}
	q := r.URL.Query()

	if level := q.Get("level"); level != "" {
		opts.Level = strings.ToUpper(level)
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			errorResponse(w, http.StatusBadRequest, "invalid since, want RFC3339")
			return
		}
		opts.Since = &t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			errorResponse(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}

	jsonResponse(w, http.StatusOK, ws.daemon.LogBuffer().Query(opts))
}

func (ws *WebServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	jsonResponse(w, http.StatusOK, ws.daemon.Peers(all))
}

func (ws *WebServer) handleHost(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, ws.daemon.Host())
}

func (ws *WebServer) handleHostClaim(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, ws.daemon.ClaimHost())
}

func (ws *WebServer) handleReset(w http.ResponseWriter, r *http.Request) {
	me, err := ws.daemon.Reset(r.URL.Query().Get("name"))
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, me)
}

func (ws *WebServer) handleValues(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, ws.daemon.Values())
}

func (ws *WebServer) handleValue(w http.ResponseWriter, r *http.Request) {
	info, err := ws.daemon.Value(chi.URLParam(r, "name"))
	if err != nil {
		errorResponse(w, statusFor(err), err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, info)
}

// handleSetValue takes the raw JSON value as the request body
func (ws *WebServer) handleSetValue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		errorResponse(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	info, err := ws.daemon.SetValue(chi.URLParam(r, "name"), json.RawMessage(body))
	if err != nil {
		errorResponse(w, statusFor(err), err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, info)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, replica.ErrNotHost):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// corsMiddleware admits browser pages served from localhost
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && localOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/jnesss/exitnotify/binary"
	"github.com/jnesss/exitnotify/database"
	"github.com/jnesss/exitnotify/notify"
	"github.com/jnesss/exitnotify/sigma"
)

// ServerConfig holds the collaborators of the HTTP server. Only Notifier
// is required; the query API is registered for whatever else is set.
type ServerConfig struct {
	Notifier *notify.Notifier
	DB       *database.DB
	Detector *sigma.Detector
	Archive  *binary.Archive
	Registry *prometheus.Registry

	// ReaderOwned is set when the in-process consumer drains the buffer,
	// which makes /buffer unavailable.
	ReaderOwned bool
	ListenAddr  string
}

type Server struct {
	notifier    *notify.Notifier
	db          *database.DB
	detector    *sigma.Detector
	archive     *binary.Archive
	registry    *prometheus.Registry
	readerOwned bool
	listenAddr  string
	router      *mux.Router

	// reading is held by the one /buffer request allowed at a time
	reading atomic.Bool
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		notifier:    cfg.Notifier,
		db:          cfg.DB,
		detector:    cfg.Detector,
		archive:     cfg.Archive,
		registry:    cfg.Registry,
		readerOwned: cfg.ReaderOwned,
		listenAddr:  cfg.ListenAddr,
	}
	s.router = s.routes()
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(debugHandler)

	// control surface
	r.HandleFunc("/enable", s.handleEnableGet).Methods(http.MethodGet)
	r.HandleFunc("/enable", s.handleEnablePut).Methods(http.MethodPut, http.MethodPost)
	r.HandleFunc("/debug", s.handleDebugGet).Methods(http.MethodGet)
	r.HandleFunc("/debug", s.handleDebugPut).Methods(http.MethodPut, http.MethodPost)
	r.HandleFunc("/buffer_size", s.handleBufferSizeGet).Methods(http.MethodGet)
	r.HandleFunc("/buffer_size", s.handleBufferSizePut).Methods(http.MethodPut, http.MethodPost)
	r.HandleFunc("/buffer_watershed", s.handleWatermarkGet).Methods(http.MethodGet)
	r.HandleFunc("/buffer_watershed", s.handleWatermarkPut).Methods(http.MethodPut, http.MethodPost)
	r.HandleFunc("/pointer_size", s.handlePointerSize).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStatsReset).Methods(http.MethodDelete)
	r.HandleFunc("/stats/{name}", s.handleStat).Methods(http.MethodGet)
	r.HandleFunc("/buffer", s.handleBuffer).Methods(http.MethodGet)

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	api := r.PathPrefix("/api").Subrouter()
	if s.db != nil {
		api.HandleFunc("/exits", s.handleExits).Methods(http.MethodGet)
		api.HandleFunc("/exits/{id:[0-9]+}/modules", s.handleExitModules).Methods(http.MethodGet)
		api.HandleFunc("/matches", s.handleMatches).Methods(http.MethodGet)
		api.HandleFunc("/matches/{id:[0-9]+}", s.handleMatchStatus).Methods(http.MethodPost)
	}
	if s.archive != nil {
		api.HandleFunc("/binaries/{hash:[0-9a-f]{4,}}", s.handleBinary).Methods(http.MethodGet)
	}
	if s.detector != nil {
		api.HandleFunc("/sigma/rules", s.handleSigmaRules).Methods(http.MethodGet)
		api.HandleFunc("/sigma/rules", s.handleSigmaRuleUpload).Methods(http.MethodPost)
		api.HandleFunc("/sigma/rules/toggle/{id}", s.handleSigmaRuleToggle).Methods(http.MethodPost)
	}

	return r
}

// debugHandler logs request details when debug output is on
func debugHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("Starting web server on %s", s.listenAddr)

	// Graceful shutdown goroutine
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// ServerOptions - HTTP settings of the relay
type ServerOptions struct {
	AllowedOrigins []string
	AuthToken      string // bearer token for mutating routes, empty disables auth
	ChainID        uint64 // explorer links in transaction responses
	Gatherer       prometheus.Gatherer
	Log            zerolog.Logger
}

// NewServer wires the relay routes onto a router.
func NewServer(svc *Service, opts ServerOptions) http.Handler {
	h := NewHandlers(svc, opts.ChainID)
	r := mux.NewRouter()

	r.HandleFunc("/allowance/{address}", h.HandleAllowance).Methods(http.MethodGet)
	r.HandleFunc("/staking/tier/{address}", h.HandleTier).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{hash}", h.HandleTransactionStatus).Methods(http.MethodGet)
	r.HandleFunc("/history/{address}", h.HandleHistory).Methods(http.MethodGet)

	mut := r.NewRoute().Subrouter()
	mut.Use(bearerAuth(opts.AuthToken))
	mut.HandleFunc("/discount/create", h.HandleCreateDiscount).Methods(http.MethodPost)
	mut.HandleFunc("/discount/approve", h.HandleApproveDiscount).Methods(http.MethodPost)
	mut.HandleFunc("/discount/decline", h.HandleDeclineDiscount).Methods(http.MethodPost)
	mut.HandleFunc("/staking/stake", h.HandleStake).Methods(http.MethodPost)
	mut.HandleFunc("/staking/unstake", h.HandleUnstake).Methods(http.MethodPost)

	// Health endpoint
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.Use(requestLogger(opts.Log))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(r)
}

func bearerAuth(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != token {
				respondError(w, "", "Invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogger(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("took", time.Since(start)).
				Msg("request")
		})
	}
}

// ListenAndServe runs handler on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("relay listening")
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	log.Info().Msg("relay stopped")
	return nil
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/maybehotcarl/unlock-broker/pkg/cfsign"
	"github.com/maybehotcarl/unlock-broker/pkg/config"
	"github.com/maybehotcarl/unlock-broker/pkg/membership"
	"github.com/maybehotcarl/unlock-broker/pkg/ratelimit"
)

// Client-facing error messages.
const (
	msgMissingParams  = "Missing parameters"
	msgInvalidAddress = "Invalid address"
	msgInvalidFile    = "Invalid file"
	msgNoMembership   = "No membership"
	msgExpired        = "Membership expired"
	msgInternal       = "Internal server error"
	msgRateLimited    = "rate limit exceeded"
)

// Verifier decides membership for an ordered candidate list.
type Verifier interface {
	Verify(ctx context.Context, candidates []common.Address) (membership.Status, error)
}

// URLSigner issues time-limited URLs for protected resources.
type URLSigner interface {
	Issue(ctx context.Context, resource string, ttl time.Duration) (string, error)
}

// Expander adds delegated vault wallets to a candidate list.
type Expander interface {
	Expand(ctx context.Context, addrs []common.Address) []common.Address
}

// Server is the content broker: it checks lock membership and hands out
// signed URLs to members.
type Server struct {
	cfg        *config.Config
	verifier   Verifier
	signer     URLSigner
	delegation Expander
	limiter    ratelimit.Limiter
	log        logrus.FieldLogger
	mux        *http.ServeMux
	corsOrigin string
	started    time.Time
}

// New creates a broker server.
func New(cfg *config.Config, verifier Verifier, signer URLSigner, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		signer:   signer,
		log:      log.WithField("component", "server"),
		mux:      http.NewServeMux(),
		started:  time.Now(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.Handle("GET /content/{file...}", s.limited(s.handleContent))
	s.mux.Handle("GET /content", s.limited(s.handleContent))
	s.mux.Handle("GET /membership", s.limited(s.handleMembership))

	return s
}

// SetDelegation enables delegate.xyz candidate expansion.
func (s *Server) SetDelegation(e Expander) {
	s.delegation = e
}

// SetRateLimiter limits content and membership requests per client IP.
func (s *Server) SetRateLimiter(l ratelimit.Limiter) {
	s.limiter = l
}

// SetCORSOrigin configures the allowed CORS origin for cross-origin requests.
func (s *Server) SetCORSOrigin(origin string) {
	s.corsOrigin = origin
}

// Handler returns the HTTP handler with logging and CORS applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.corsOrigin != "" {
		h = s.corsMiddleware(h)
	}
	return s.logMiddleware(h)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type ctxKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// logMiddleware tags each request with an id and logs it on completion.
func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		entry := s.log.WithField("request_id", id)
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, entry)))

		entry.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}

func (s *Server) reqLog(r *http.Request) logrus.FieldLogger {
	if entry, ok := r.Context().Value(ctxKey{}).(logrus.FieldLogger); ok {
		return entry
	}
	return s.log
}

// limited applies the per-IP rate limit. Limiter failures let the request
// through.
func (s *Server) limited(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			ok, err := s.limiter.Allow(r.Context(), clientIP(r))
			if err != nil {
				s.reqLog(r).WithError(err).Warn("rate limiter unavailable, allowing request")
			} else if !ok {
				writeError(w, http.StatusTooManyRequests, msgRateLimited)
				return
			}
		}
		h(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// =========================================================================
//                          HANDLERS
// =========================================================================

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"time":     time.Now().UTC(),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"lock":     s.cfg.Lock().Hex(),
		"chain_id": s.cfg.Network.ChainID,
	})
}

// ContentResponse is returned by GET /content.
type ContentResponse struct {
	URL string `json:"url"`
}

// GET /content/{file...}?address=0x..[&address=0x..]
// GET /content?file=..&address=0x..
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	log := s.reqLog(r)

	file := r.PathValue("file")
	if file == "" {
		file = r.URL.Query().Get("file")
	}
	addrs, ok := parseAddresses(r.URL.Query()["address"])
	if !ok {
		writeError(w, http.StatusBadRequest, msgInvalidAddress)
		return
	}
	if file == "" || len(addrs) == 0 {
		writeError(w, http.StatusBadRequest, msgMissingParams)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	status, ok := s.verify(ctx, w, log, addrs)
	if !ok {
		return
	}
	switch status {
	case membership.StatusNone:
		writeError(w, http.StatusForbidden, msgNoMembership)
		return
	case membership.StatusExpired:
		writeError(w, http.StatusForbidden, msgExpired)
		return
	}

	url, err := s.signer.Issue(ctx, file, s.cfg.SignedURLTTL)
	if errors.Is(err, cfsign.ErrInvalidResource) {
		writeError(w, http.StatusBadRequest, msgInvalidFile)
		return
	}
	if err != nil {
		log.WithError(err).WithField("file", file).Error("signing content url")
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	log.WithFields(logrus.Fields{"file": file, "requester": addrs[0].Hex()}).Info("signed url issued")
	writeJSON(w, http.StatusOK, ContentResponse{URL: url})
}

// MembershipResponse is returned by GET /membership.
type MembershipResponse struct {
	Status string `json:"status"`
}

// GET /membership?address=0x..
func (s *Server) handleMembership(w http.ResponseWriter, r *http.Request) {
	addrs, ok := parseAddresses(r.URL.Query()["address"])
	if !ok {
		writeError(w, http.StatusBadRequest, msgInvalidAddress)
		return
	}
	if len(addrs) == 0 {
		writeError(w, http.StatusBadRequest, msgMissingParams)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	status, ok := s.verify(ctx, w, s.reqLog(r), addrs)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, MembershipResponse{Status: status.String()})
}

// verify expands and checks the candidates, writing the error response
// itself when it returns false.
func (s *Server) verify(ctx context.Context, w http.ResponseWriter, log logrus.FieldLogger, addrs []common.Address) (membership.Status, bool) {
	candidates := addrs
	if s.delegation != nil {
		candidates = s.delegation.Expand(ctx, addrs)
	}

	status, err := s.verifier.Verify(ctx, candidates)
	switch {
	case errors.Is(err, membership.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, msgInvalidAddress)
		return 0, false
	case err != nil:
		log.WithError(err).Error("membership verification failed")
		writeError(w, http.StatusInternalServerError, msgInternal)
		return 0, false
	}
	return status, true
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout > 0 {
		return context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	}
	return context.WithCancel(r.Context())
}

// =========================================================================
//                          HELPERS
// =========================================================================

// parseAddresses accepts repeated and comma-separated address values, in
// order. Empty values are skipped; any malformed value fails the whole list.
func parseAddresses(values []string) ([]common.Address, bool) {
	var addrs []common.Address
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if !common.IsHexAddress(part) {
				return nil, false
			}
			addrs = append(addrs, common.HexToAddress(part))
		}
	}
	return addrs, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

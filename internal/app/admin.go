package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/semmidev/custos/internal/domain"
	"github.com/semmidev/custos/internal/usecase"
)

const (
	maxCommandSize = 64 << 10
	retryAfter     = 1
)

type CommandRouter interface {
	Execute(ctx context.Context, command string) (*usecase.Result, error)
}

type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	Warnf(template string, args ...interface{})
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Code  int    `json:"code"`
	Table string `json:"table,omitempty"`
}

// AdminServer exposes the admin command router, prometheus metrics and a
// health probe over HTTP.
type AdminServer struct {
	router   CommandRouter
	gatherer prometheus.Gatherer
	logger   Logger
	server   *http.Server
}

func NewAdminServer(router CommandRouter, gatherer prometheus.Gatherer, logger Logger) *AdminServer {
	return &AdminServer{
		router:   router,
		gatherer: gatherer,
		logger:   logger,
	}
}

func (s *AdminServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /admin", s.handleCommand)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	return mux
}

// Start binds addr and serves in the background. It returns the bound
// address, which differs from addr when the port is 0.
func (s *AdminServer) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Infof("Admin server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("Admin server error: %v", err)
		}
	}()

	return ln.Addr().String(), nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}
	s.logger.Infof("Admin server stopped")
	return nil
}

func (s *AdminServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandSize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
			Error: err.Error(),
			Kind:  domain.KindInvalid.String(),
			Code:  http.StatusRequestEntityTooLarge,
		})
		return
	}

	command := strings.TrimSpace(string(body))
	result, err := s.router.Execute(r.Context(), command)
	if err != nil {
		s.writeError(w, command, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *AdminServer) writeError(w http.ResponseWriter, command string, err error) {
	resp := errorResponse{Error: err.Error(), Kind: domain.KindOf(err).String()}

	var derr *domain.Error
	if errors.As(err, &derr) {
		resp.Code = derr.Code()
		resp.Table = derr.Table
	} else {
		resp.Code = domain.NewError(domain.KindInternal, "", err).Code()
	}

	status := httpStatus(domain.KindOf(err))
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	case http.StatusInternalServerError:
		s.logger.Errorf("Admin command %q failed: %v", command, err)
	default:
		s.logger.Debugf("Admin command %q rejected: %v", command, err)
	}

	writeJSON(w, status, resp)
}

func httpStatus(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindRejectedAdmission:
		return http.StatusServiceUnavailable
	case domain.KindConfiguration, domain.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

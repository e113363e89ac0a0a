// Package httpapi exposes entities over HTTP. Every request runs in its own
// unit of work.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"entitycore/internal/core"
	"entitycore/pkg/domain"
)

var errVersionMismatch = errors.New("version mismatch")

// Server routes entity requests to a unit-of-work factory.
type Server struct {
	factory *core.Factory
	logger  core.Logger
	metrics http.Handler
	retries int
	router  *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l core.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithRetries sets how often writes are retried on concurrent modification.
func WithRetries(n int) Option {
	return func(s *Server) { s.retries = n }
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}

// New builds the router.
func New(factory *core.Factory, opts ...Option) *Server {
	s := &Server{factory: factory, logger: discardLogger{}, retries: 3}
	for _, opt := range opts {
		opt(s)
	}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/entities/{type}", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/entities/{type}/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/entities/{type}/{id}", s.handlePut).Methods(http.MethodPut)
	r.HandleFunc("/entities/{type}/{id}", s.handleDelete).Methods(http.MethodDelete)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "open_units_of_work": s.factory.OpenUnitsOfWork()})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var value core.EntityValue
	err := s.factory.Run(r.Context(), func(ctx context.Context, uow *core.UnitOfWork) error {
		e, err := uow.Get(ctx, vars["type"], vars["id"])
		if err != nil {
			return err
		}
		value = core.ToValue(e)
		return nil
	}, core.WithUsecase(core.NewUsecase("http.get")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body, err := core.DecodeEntityValue(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return
	}
	body.Reference = domain.EntityReference(vars["id"])

	var (
		ent     *core.Entity
		created bool
	)
	err = s.factory.Run(r.Context(), func(ctx context.Context, uow *core.UnitOfWork) error {
		if body.Version != "" {
			current, err := uow.Get(ctx, vars["type"], vars["id"])
			if err != nil {
				return err
			}
			if current.Version() != body.Version {
				return fmt.Errorf("%w: have %s, request expects %s", errVersionMismatch, current.Version(), body.Version)
			}
		}
		e, err := uow.ToEntity(ctx, vars["type"], body)
		if err != nil {
			return err
		}
		ent, created = e, e.Status() == domain.StatusNew
		return nil
	},
		core.WithUsecase(core.NewUsecase("http.put")),
		core.WithRetries(s.retries, 10*time.Millisecond, 10*time.Millisecond),
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, core.ToValue(ent))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := s.factory.Run(r.Context(), func(ctx context.Context, uow *core.UnitOfWork) error {
		e, err := uow.Get(ctx, vars["type"], vars["id"])
		if err != nil {
			return err
		}
		return uow.Remove(ctx, e)
	},
		core.WithUsecase(core.NewUsecase("http.delete")),
		core.WithRetries(s.retries, 10*time.Millisecond, 10*time.Millisecond),
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type listResponse struct {
	Count int                `json:"count"`
	Items []core.EntityValue `json:"items"`
}

// handleList supports where=<expression>, order=name,-age, first and max.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	params := r.URL.Query()
	first, err := intParam(params.Get("first"), 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "first: " + err.Error()})
		return
	}
	maxResults, err := intParam(params.Get("max"), -1)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "max: " + err.Error()})
		return
	}
	var where core.Predicate
	if expr := params.Get("where"); expr != "" {
		if where, err = core.Expr(expr); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "where: " + err.Error()})
			return
		}
	}
	var resp listResponse
	err = s.factory.Run(r.Context(), func(ctx context.Context, uow *core.UnitOfWork) error {
		q, err := uow.NewQuery(vars["type"])
		if err != nil {
			return err
		}
		if where != nil {
			q.Where(where)
		}
		if order := params.Get("order"); order != "" {
			q.OrderBy(core.ParseOrder(order)...)
		}
		if resp.Count, err = q.Count(ctx); err != nil {
			return err
		}
		list, err := q.FirstResult(first).MaxResults(maxResults).List(ctx)
		if err != nil {
			return err
		}
		resp.Items = make([]core.EntityValue, len(list))
		for i, e := range list {
			resp.Items[i] = core.ToValue(e)
		}
		return nil
	}, core.WithUsecase(core.NewUsecase("http.list")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNoSuchEntity),
		errors.Is(err, domain.ErrNoSuchEntityType),
		errors.Is(err, domain.ErrEntityTypeNotFound):
		return http.StatusNotFound
	case errors.Is(err, errVersionMismatch):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConstraintViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrAmbiguousType),
		errors.Is(err, domain.ErrIllegalArgument),
		errors.Is(err, domain.ErrLifecycle),
		errors.Is(err, domain.ErrIllegalState):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

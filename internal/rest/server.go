// Package rest exposes the engine API over HTTP.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/procflow/procflow/internal/appcontext"
	"github.com/procflow/procflow/internal/config"
	"github.com/procflow/procflow/internal/rest/middleware"
	"github.com/procflow/procflow/pkg/engine"
	"github.com/procflow/procflow/pkg/flake"
	"github.com/procflow/procflow/pkg/model"
	"github.com/procflow/procflow/pkg/storage"
)

type Server struct {
	sync.RWMutex

	engine *engine.Engine
	logger hclog.Logger
	server *http.Server
	addr   string
}

func NewServer(eng *engine.Engine, conf config.Config, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.Default()
	}
	s := &Server{
		engine: eng,
		logger: logger.Named("rest"),
		addr:   conf.Server.Addr,
	}

	r := chi.NewRouter()
	r.Use(middleware.Cors())
	r.Use(middleware.Metrics())
	r.Use(s.triggerContext)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/process-definitions", s.deployDefinition)
		r.Get("/process-definitions/{definitionId}", s.getDefinitionVersions)

		r.Post("/process-instances", s.startInstance)
		r.Get("/process-instances/{instanceKey}", s.getInstance)
		r.Get("/process-instances/{instanceKey}/activity-instances", s.getActivityInstances)
		r.Get("/process-instances/{instanceKey}/subscriptions", s.getInstanceSubscriptions)
		r.Get("/process-instances/{instanceKey}/incidents", s.getInstanceIncidents)
		r.Post("/process-instances/{instanceKey}/suspend", s.suspendInstance)
		r.Post("/process-instances/{instanceKey}/resume", s.resumeInstance)
		r.Post("/process-instances/{instanceKey}/migrate", s.migrateInstance)

		r.Get("/executions", s.getWaitingExecutions)
		r.Post("/executions/{executionKey}/complete", s.completeActivity)

		r.Post("/events", s.correlateEvent)

		r.Post("/migrations", s.migrateBatch)

		r.Post("/incidents/{incidentKey}/resolve", s.resolveIncident)
	})
	r.Route("/system", func(r chi.Router) {
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "up", "engine": eng.Name()})
		})
	})

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           r,
		ReadHeaderTimeout: 3 * time.Second,
	}
	return s
}

// Start begins serving on the configured address and returns the listener,
// useful to learn the bound port when the address is :0.
func (s *Server) Start() (net.Listener, error) {
	s.Lock()
	defer s.Unlock()

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("rest server failed", "error", err)
		}
	}()
	s.logger.Info("rest server started", "addr", listener.Addr().String())
	return listener, nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) triggerContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := appcontext.WithTriggerKey(r.Context(), flake.Node().Generate().Int64())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ---

func (s *Server) deployDefinition(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	definition, err := s.engine.DeployDefinition(r.Context(), data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, definition)
}

func (s *Server) getDefinitionVersions(w http.ResponseWriter, r *http.Request) {
	definitions, err := s.engine.FindProcessDefinitionsById(r.Context(), chi.URLParam(r, "definitionId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(definitions) == 0 {
		s.writeError(w, r, storage.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, definitions)
}

type startInstanceRequest struct {
	DefinitionId  string         `json:"definitionId,omitempty"`
	DefinitionKey int64          `json:"definitionKey,omitempty"`
	BusinessKey   string         `json:"businessKey,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

func (s *Server) startInstance(w http.ResponseWriter, r *http.Request) {
	var req startInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	var (
		instance any
		err      error
	)
	switch {
	case req.DefinitionKey != 0:
		instance, err = s.engine.StartInstanceByKey(r.Context(), req.DefinitionKey, req.BusinessKey, req.Variables)
	case req.DefinitionId != "":
		instance, err = s.engine.StartInstanceById(r.Context(), req.DefinitionId, req.BusinessKey, req.Variables)
	default:
		writeJSON(w, http.StatusBadRequest, errorBody("either definitionId or definitionKey is required"))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, instance)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r, "instanceKey")
	if !ok {
		return
	}
	instance, err := s.engine.FindProcessInstance(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) getActivityInstances(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r, "instanceKey")
	if !ok {
		return
	}
	root, err := s.engine.FindActivityInstances(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

func (s *Server) getInstanceSubscriptions(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r, "instanceKey")
	if !ok {
		return
	}
	subscriptions, err := s.engine.FindInstanceSubscriptions(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptions)
}

func (s *Server) getInstanceIncidents(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r, "instanceKey")
	if !ok {
		return
	}
	incidents, err := s.engine.FindOpenIncidents(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) suspendInstance(w http.ResponseWriter, r *http.Request) {
	s.setSuspended(w, r, true)
}

func (s *Server) resumeInstance(w http.ResponseWriter, r *http.Request) {
	s.setSuspended(w, r, false)
}

func (s *Server) setSuspended(w http.ResponseWriter, r *http.Request, suspended bool) {
	key, ok := pathKey(w, r, "instanceKey")
	if !ok {
		return
	}
	if err := s.engine.SetInstanceSuspended(r.Context(), key, suspended); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getWaitingExecutions(w http.ResponseWriter, r *http.Request) {
	activityId := r.URL.Query().Get("activityId")
	if activityId == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("activityId query parameter is required"))
		return
	}
	executions, err := s.engine.FindWaitingExecutionsByActivity(r.Context(), activityId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

type completeActivityRequest struct {
	Variables map[string]any `json:"variables,omitempty"`
}

func (s *Server) completeActivity(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r, "executionKey")
	if !ok {
		return
	}
	var req completeActivityRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
			return
		}
	}
	if err := s.engine.CompleteActivity(r.Context(), key, req.Variables); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type correlateEventRequest struct {
	Type         model.EventType `json:"type"`
	Name         string          `json:"name"`
	Variables    map[string]any  `json:"variables,omitempty"`
	BusinessKey  string          `json:"businessKey,omitempty"`
	ExecutionKey *int64          `json:"executionKey,omitempty"`
}

func (s *Server) correlateEvent(w http.ResponseWriter, r *http.Request) {
	var req correlateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("event type is required"))
		return
	}
	results, err := s.engine.CorrelateEvent(r.Context(), req.Type, req.Name, req.Variables, req.BusinessKey, req.ExecutionKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

type migrateInstanceRequest struct {
	Plan json.RawMessage `json:"plan"`
}

func (s *Server) migrateInstance(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r, "instanceKey")
	if !ok {
		return
	}
	var req migrateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	plan, err := engine.ParseMigrationPlan(req.Plan)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if err := s.engine.Migrate(r.Context(), key, plan); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type migrateBatchRequest struct {
	ProcessInstanceKeys []int64         `json:"processInstanceKeys"`
	Plan                json.RawMessage `json:"plan"`
	// DueAt schedules the migration as jobs instead of running it inline.
	DueAt *time.Time `json:"dueAt,omitempty"`
}

func (s *Server) migrateBatch(w http.ResponseWriter, r *http.Request) {
	var req migrateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if len(req.ProcessInstanceKeys) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("processInstanceKeys is required"))
		return
	}
	plan, err := engine.ParseMigrationPlan(req.Plan)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if req.DueAt != nil {
		jobs, err := s.engine.ScheduleMigration(r.Context(), req.ProcessInstanceKeys, plan, *req.DueAt)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, jobs)
		return
	}
	if err := s.engine.MigrateBatch(r.Context(), req.ProcessInstanceKeys, plan); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resolveIncidentRequest struct {
	Retries int32 `json:"retries,omitempty"`
}

func (s *Server) resolveIncident(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r, "incidentKey")
	if !ok {
		return
	}
	var req resolveIncidentRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
			return
		}
	}
	if err := s.engine.ResolveIncident(r.Context(), key, req.Retries); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---

func pathKey(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	key, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("invalid %s", name)))
		return 0, false
	}
	return key, true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		illegalState    *engine.IllegalExecutionStateError
		subNotFound     *engine.EventSubscriptionNotFoundError
		migrationFailed *engine.MigrationValidationError
		validation      *model.ValidationError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.As(err, &subNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrStaleRecord), errors.As(err, &illegalState):
		status = http.StatusConflict
	case errors.As(err, &migrationFailed):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func errorBody(message string) map[string]string {
	return map[string]string{"error": message}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

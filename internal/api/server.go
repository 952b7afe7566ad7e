package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
	"github.com/darkhaniop/simple-task-api-htc/internal/observability"
	"github.com/darkhaniop/simple-task-api-htc/internal/reconcile"
	"github.com/darkhaniop/simple-task-api-htc/pkg/taskapi"
)

type Options struct {
	// Tokens is the STAPI_API_TOKENS value. Empty disables authentication.
	Tokens          string
	RateLimitPerSec float64
	RateLimitBurst  int
}

type Server struct {
	engine  *reconcile.Engine
	auth    *authorizer
	limiter *requestLimiter
}

func NewServer(e *reconcile.Engine, opts Options) *Server {
	return &Server{
		engine:  e,
		auth:    newAuthorizer(opts.Tokens),
		limiter: newRequestLimiter(opts.RateLimitPerSec, opts.RateLimitBurst),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/tasks", s.handleTasks)
	mux.HandleFunc("/v1/tasks/", s.handleTaskByID)
	mux.HandleFunc("/v1/clusters", s.handleClusters)
	mux.HandleFunc("/v1/clusters/", s.handleClusterByID)
	mux.HandleFunc("/v1/job-events", s.handleJobEvents)
	return withTracing(withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, scopeMetrics); !ok {
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, scopeMetrics); !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, scopeTaskRead); !ok {
		return
	}
	st, err := s.engine.Status(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskapi.ServerStatus{
		Kind:                     taskapi.KindServerStatus,
		ResponseDate:             st.ResponseDate,
		NTasksQueued:             st.Counts[htc.TaskQueued],
		NTasksSubmitted:          st.Counts[htc.TaskSubmitted],
		NTasksCompleted:          st.Counts[htc.TaskCompleted],
		NTasksCompletedWithError: st.Counts[htc.TaskCompletedWithError],
		NTasksTimedOut:           st.Counts[htc.TaskTimedOut],
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requireScopes(w, r, scopeTaskRead); !ok {
			return
		}
		class, err := reconcile.ParseTaskClass(r.URL.Query().Get("state"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if limit, err = strconv.Atoi(raw); err != nil {
				writeError(w, http.StatusBadRequest, "limit must be an integer")
				return
			}
		}
		tasks, err := s.engine.ListTasks(r.Context(), class, limit)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		items := make([]taskapi.Task, 0, len(tasks))
		for _, t := range tasks {
			items = append(items, toAPITask(t))
		}
		writeJSON(w, http.StatusOK, taskapi.TaskListResponse{
			Kind:         taskapi.KindTaskList,
			ResponseDate: time.Now().UTC(),
			Items:        items,
		})
	case http.MethodPost:
		if _, ok := s.requireScopes(w, r, scopeTaskWrite); !ok {
			return
		}
		var req taskapi.CreateTaskRequest
		if !decodeBody(w, r, &req) {
			return
		}
		task, err := s.engine.CreateTask(r.Context(), req)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAPITask(task))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/tasks/"), "/")
	if path == "" {
		writeError(w, http.StatusNotFound, "task id is required")
		return
	}
	parts := strings.Split(path, "/")
	taskID := parts[0]
	if len(parts) > 2 || (len(parts) == 2 && parts[1] != "log") {
		writeError(w, http.StatusNotFound, "unknown task resource")
		return
	}

	if len(parts) == 2 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, ok := s.requireScopes(w, r, scopeTaskRead); !ok {
			return
		}
		entries, err := s.engine.TaskLog(r.Context(), taskID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		items := make([]taskapi.LogEntry, 0, len(entries))
		for _, e := range entries {
			items = append(items, toAPILogEntry(e))
		}
		writeJSON(w, http.StatusOK, taskapi.LogEntryListResponse{Kind: taskapi.KindLogEntryList, TaskID: taskID, Items: items})
		return
	}

	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requireScopes(w, r, scopeTaskRead); !ok {
			return
		}
		task, ok, err := s.engine.GetTask(r.Context(), taskID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSON(w, http.StatusOK, toAPITask(task))
	case http.MethodPatch, http.MethodPost:
		if _, ok := s.requireScopes(w, r, scopeTaskWrite); !ok {
			return
		}
		var req taskapi.UpdateTaskRequest
		if !decodeBody(w, r, &req) {
			return
		}
		task, err := s.engine.UpdateTask(r.Context(), taskID, req)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAPITask(task))
	case http.MethodDelete:
		if _, ok := s.requireScopes(w, r, scopeTaskWrite); !ok {
			return
		}
		deleted, err := s.engine.DeleteTask(r.Context(), taskID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if !deleted {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSON(w, http.StatusOK, taskapi.DeleteTaskResponse{Deleted: true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, scopeEventWrite); !ok {
		return
	}
	var req taskapi.CreateClusterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := s.engine.CreateCluster(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAPICluster(c))
}

func (s *Server) handleClusterByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/clusters/"), "/")
	if path == "" {
		writeError(w, http.StatusNotFound, "cluster id is required")
		return
	}
	parts := strings.Split(path, "/")
	if len(parts) > 2 || (len(parts) == 2 && parts[1] != "events") {
		writeError(w, http.StatusNotFound, "unknown cluster resource")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	clusterID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || clusterID < 0 {
		writeError(w, http.StatusBadRequest, "cluster id must be a non-negative integer")
		return
	}
	if _, ok := s.requireScopes(w, r, scopeTaskRead); !ok {
		return
	}

	if len(parts) == 2 {
		events, err := s.engine.ListClusterEvents(r.Context(), clusterID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		items := make([]taskapi.JobEvent, 0, len(events))
		for _, e := range events {
			items = append(items, toAPIJobEvent(e))
		}
		writeJSON(w, http.StatusOK, taskapi.JobEventListResponse{Kind: taskapi.KindJobEventList, ClusterID: clusterID, Items: items})
		return
	}

	c, task, err := s.engine.GetClusterWithTask(r.Context(), clusterID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := taskapi.ClusterWithTask{Kind: taskapi.KindClusterWithTask, Cluster: toAPICluster(c), Extra: map[string]any{}}
	if task != nil {
		t := toAPITask(*task)
		out.Task = &t
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, scopeEventWrite); !ok {
		return
	}
	var req taskapi.PostJobEventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	stored, created, err := s.engine.ApplyEvent(r.Context(), htc.JobEvent{
		ClusterID: req.ClusterID,
		ProcID:    req.ProcID,
		Timestamp: req.Timestamp,
		EventType: req.EventType,
		Details:   req.Details,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toAPIJobEvent(stored))
}

func (s *Server) requireScopes(w http.ResponseWriter, r *http.Request, scopes ...string) (principal, bool) {
	p, code, msg := s.auth.authorize(r, scopes...)
	if code != http.StatusOK {
		writeError(w, code, msg)
		return principal{}, false
	}
	if !s.limiter.allow(p.id) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return principal{}, false
	}
	return p, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reconcile.ErrTaskNotFound), errors.Is(err, reconcile.ErrClusterNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, reconcile.ErrTaskExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, reconcile.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("api request failed err=%v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, taskapi.ErrorResponse{Error: msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Printf("%s %s status=%d duration=%s", r.Method, r.URL.Path, sw.status, time.Since(start).Round(time.Microsecond))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		if sc := span.SpanContext(); sc.HasTraceID() {
			sw.Header().Set("X-Trace-ID", sc.TraceID().String())
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}

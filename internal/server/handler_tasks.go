package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/taskorch/internal/store"
	"github.com/me/taskorch/pkg/model"
)

// idParam parses the {id} URL parameter. It writes a 400 and returns
// false when the id is not a positive integer.
func idParam(w http.ResponseWriter, r *http.Request, resource string) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest,
			model.NewValidationError("invalid "+resource+" id",
				model.FieldError{Field: "id", Message: "must be a positive integer"}))
		return 0, false
	}
	return id, true
}

// loadTask fetches the task named by {id}, writing the error response itself.
func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*model.Task, bool) {
	reqID := RequestIDFromContext(r.Context())
	id, ok := idParam(w, r, "task")
	if !ok {
		return nil, false
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return nil, false
	}
	if task == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", chi.URLParam(r, "id")))
		return nil, false
	}
	return task, true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	q := r.URL.Query()

	opts := model.DefaultListOptions()
	var fieldErrs []model.FieldError
	if v := q.Get("state"); v != "" {
		opts.State = model.TaskState(v)
		if !opts.State.Valid() {
			fieldErrs = append(fieldErrs, model.FieldError{Field: "state", Message: "unknown task state " + v})
		}
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"limit", &opts.Limit},
		{"offset", &opts.Offset},
	} {
		if v := q.Get(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				fieldErrs = append(fieldErrs, model.FieldError{Field: p.name, Message: "must be an integer"})
				continue
			}
			*p.dst = n
		}
	}
	if v := q.Get("queue_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			fieldErrs = append(fieldErrs, model.FieldError{Field: "queue_id", Message: "must be an integer"})
		}
		opts.QueueID = n
	}
	if len(fieldErrs) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid query", fieldErrs...))
		return
	}
	opts.Clamp()

	tasks, total, err := s.store.ListTasks(r.Context(), opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}

	respondList(w, reqID, tasks, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(tasks) < total,
	})
}

type createTaskRequest struct {
	Title       string         `json:"title"`
	Script      string         `json:"script"`
	Queue       string         `json:"queue"`
	Options     map[string]any `json:"options"`
	ParentID    *int64         `json:"parent_id"`
	Depends     []int64        `json:"depends"`
	ScheduledBy string         `json:"scheduled_by"`
}

// handleCreateTask creates a PRERUN task from a script and queue given by name.
// POST /api/v1/tasks
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	ctx := r.Context()

	var req createTaskRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		respondBadJSON(w, reqID, err)
		return
	}

	var fieldErrs []model.FieldError
	if req.Script == "" {
		fieldErrs = append(fieldErrs, model.FieldError{Field: "script", Message: "script is required"})
	}
	if req.Queue == "" {
		fieldErrs = append(fieldErrs, model.FieldError{Field: "queue", Message: "queue is required"})
	}
	opts, err := model.NormalizeOptions(req.Options)
	if err != nil {
		fieldErrs = append(fieldErrs, model.FieldError{Field: "options", Message: err.Error()})
	}
	if len(fieldErrs) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid task", fieldErrs...))
		return
	}

	queue, err := s.store.GetWorkerQueueByName(ctx, req.Queue)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if queue == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("worker queue", req.Queue))
		return
	}
	script, err := s.store.GetScriptByName(ctx, req.Script)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if script == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("script", req.Script))
		return
	}
	if !script.IsActive() {
		respondError(w, reqID, http.StatusConflict,
			&model.APIError{Code: model.ErrConflict, Message: "script '" + script.Name + "' is archived"})
		return
	}

	depends := slices.Clone(req.Depends)
	slices.Sort(depends)
	depends = slices.Compact(depends)
	refs := depends
	if req.ParentID != nil {
		refs = append(slices.Clone(depends), *req.ParentID)
	}
	for _, ref := range refs {
		t, err := s.store.GetTask(ctx, ref)
		if err != nil {
			respondInternal(w, reqID, err)
			return
		}
		if t == nil {
			respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", strconv.FormatInt(ref, 10)))
			return
		}
	}

	task := &model.Task{
		Title:         req.Title,
		ScriptID:      script.ID,
		WorkerQueueID: queue.ID,
		ParentID:      req.ParentID,
		State:         model.TaskStatePrerun,
		Options:       opts,
		ScheduledBy:   req.ScheduledBy,
	}
	if task.Title == "" {
		task.Title = script.Name
	}
	if err := store.CreateTaskWithDepends(ctx, s.store, task, depends...); err != nil {
		respondInternal(w, reqID, err)
		return
	}

	s.logger.Info("task created", "task_id", task.ID, "script", script.Name, "queue", queue.Name,
		"depends", len(depends), "request_id", reqID)
	respondCreated(w, reqID, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	respondOK(w, RequestIDFromContext(r.Context()), task)
}

func (s *Server) handleGetTaskLogs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	logs, err := s.store.ListTaskLogs(r.Context(), task.ID)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if logs == nil {
		logs = []*model.TaskLog{}
	}
	respondOK(w, reqID, logs)
}

type taskResultResponse struct {
	TaskID int64           `json:"task_id"`
	State  model.TaskState `json:"state"`
	Ready  bool            `json:"ready"`
	Result *model.Result   `json:"result"`
}

// handleGetTaskResult waits up to the result timeout; an unfinished task
// yields ready=false rather than an error.
func (s *Server) handleGetTaskResult(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	resp := taskResultResponse{TaskID: task.ID, State: task.State}
	if s.results != nil {
		res, found, err := s.results.GetResult(r.Context(), task.ID, s.resultTimeout)
		if err != nil {
			respondInternal(w, reqID, err)
			return
		}
		if found {
			resp.Ready = true
			resp.Result = &res
		}
	}
	respondOK(w, reqID, resp)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	s.transitionTask(w, r, store.DeleteTask)
}

func (s *Server) handleAckTask(w http.ResponseWriter, r *http.Request) {
	s.transitionTask(w, r, store.AckTask)
}

func (s *Server) transitionTask(w http.ResponseWriter, r *http.Request,
	apply func(context.Context, store.Store, int64) (*model.Task, error)) {
	reqID := RequestIDFromContext(r.Context())
	id, ok := idParam(w, r, "task")
	if !ok {
		return
	}

	task, err := apply(r.Context(), s.store, id)
	var transErr *model.InvalidTransitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", chi.URLParam(r, "id")))
	case errors.As(err, &transErr):
		respondError(w, reqID, http.StatusConflict, &model.APIError{Code: model.ErrConflict, Message: transErr.Error()})
	case err != nil:
		respondInternal(w, reqID, err)
	default:
		s.logger.Info("task state changed", "task_id", task.ID, "state", task.State, "request_id", reqID)
		respondOK(w, reqID, task)
	}
}

package server

import (
	"net/http"

	"github.com/me/taskorch/pkg/model"
)

// handleListWorkers lists every known worker.
// GET /api/v1/workers
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if workers == nil {
		workers = []*model.Worker{}
	}
	respondOK(w, reqID, workers)
}

// handleListQueues lists every worker queue.
// GET /api/v1/queues
func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	queues, err := s.store.ListWorkerQueues(r.Context())
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if queues == nil {
		queues = []*model.WorkerQueue{}
	}
	respondOK(w, reqID, queues)
}

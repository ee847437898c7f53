package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "taskorch API",
		Version:     "v1",
		Description: "Task orchestrator API: teams, scripts, tasks, task logs, results, workers and queues",
		Endpoints: []endpointInfo{
			{"/api/v1/teams", []string{"GET", "POST"}, "List teams; POST creates a team"},
			{"/api/v1/scripts", []string{"GET", "POST"}, "List scripts (?team_id=); POST registers a script under a team"},
			{"/api/v1/scripts/{id}/archive", []string{"PUT"}, "Archive a script so its tasks are no longer dispatched"},
			{"/api/v1/tasks", []string{"GET", "POST"}, "List tasks (?state=, ?queue_id=, ?limit=, ?offset=); POST creates a task"},
			{"/api/v1/tasks/{id}", []string{"GET", "DELETE"}, "Single task detail; DELETE soft-deletes the task"},
			{"/api/v1/tasks/{id}/logs", []string{"GET"}, "Task state audit log"},
			{"/api/v1/tasks/{id}/result", []string{"GET"}, "Return code, stdout and stderr of a finished task"},
			{"/api/v1/tasks/{id}/ack", []string{"PUT"}, "Acknowledge a FAILED task so it is no longer retried"},
			{"/api/v1/workers", []string{"GET"}, "Known workers and their liveness"},
			{"/api/v1/queues", []string{"GET"}, "Worker queues and their state"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}

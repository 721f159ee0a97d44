package server

import (
	"context"
	"net/http"

	"github.com/felixgeelhaar/manuscript/internal/exec"
	"github.com/felixgeelhaar/manuscript/internal/orchestrator"
)

type planBody struct {
	Runner   string           `json:"runner"`
	Commands []string         `json:"commands"`
	Context  exec.ExecContext `json:"context"`
}

// POST /api/projects/{project}/executions/plan
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var body planBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.service.Plan(r.Context(), orchestrator.PlanRequest{
		ProjectID: r.PathValue("project"),
		Runner:    body.Runner,
		Commands:  body.Commands,
		Context:   body.Context,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.service.GetPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type approveBody struct {
	ApprovedBy string `json:"approved_by"`
}

type approveResponse struct {
	Status     string `json:"status"`
	PlanID     string `json:"plan_id"`
	ApprovedBy string `json:"approved_by"`
}

// POST /api/plans/{id}/approve
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body approveBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.ApprovedBy == "" {
		body.ApprovedBy = "api"
	}
	plan, err := s.service.Approve(r.Context(), r.PathValue("id"), body.ApprovedBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approveResponse{Status: "approved", PlanID: plan.ID, ApprovedBy: plan.ApprovedBy})
}

// POST /api/plans/{id}/run. The run outlives a dropped client; only
// server shutdown or Cancel stops it.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.Run(context.WithoutCancel(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Collect(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.service.Logs(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.Audit(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []exec.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	v, err := s.service.VerifyAudit(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	files, err := s.service.ListArtifacts(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"files": files})
}

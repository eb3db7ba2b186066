package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "X402-Flow/internal/errors"
	"X402-Flow/internal/plan"
	"X402-Flow/pkg/logger"
)

type createWorkflowRequest struct {
	UserID      string         `json:"userId"`
	Description string         `json:"description"`
	Plan        *plan.Document `json:"plan,omitempty"`
	AutoExecute bool           `json:"autoExecute,omitempty"`
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateWorkflow(w, r)
	case http.MethodGet:
		s.handleListWorkflows(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleCreateWorkflow 创建工作流。计划文档缺省时走规划器。
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 userId"))
		return
	}

	ctx := r.Context()
	var (
		wf  any
		err error
	)
	if req.Plan != nil {
		wf, err = s.manager.CreateFromDocument(ctx, req.UserID, req.Description, req.Plan)
	} else {
		wf, err = s.manager.Create(ctx, req.UserID, req.Description)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	workflows, err := s.manager.List(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

// handleWorkflow 分发 /api/v1/workflows/{id}[/action] 请求。
func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/workflows/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGetWorkflow(w, r, id)
	case action == "approve" && r.Method == http.MethodPost:
		s.handleApproveWorkflow(w, r, id)
	case action == "execute" && r.Method == http.MethodPost:
		s.handleExecuteWorkflow(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		s.handleCancelWorkflow(w, r, id)
	default:
		http.Error(w, "不支持的操作", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request, id string) {
	wf, err := s.manager.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleApproveWorkflow 审批工作流。autoExecute 为真时在后台启动执行。
func (s *Server) handleApproveWorkflow(w http.ResponseWriter, r *http.Request, id string) {
	wf, err := s.manager.Approve(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	autoExecute := r.URL.Query().Get("execute") == "true"
	if autoExecute {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
			defer cancel()
			if _, err := s.manager.Execute(ctx, id); err != nil {
				logger.L().Error("后台执行工作流失败",
					slog.String("workflow_id", id),
					slog.Any("error", err),
				)
			}
		}()
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request, id string) {
	wf, err := s.manager.Execute(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request, id string) {
	wf, err := s.manager.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

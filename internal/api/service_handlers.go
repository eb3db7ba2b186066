package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	xerrors "X402-Flow/internal/errors"
	"X402-Flow/internal/registry"
)

// handleServices 透传服务发现请求到外部注册中心。
func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.registry == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "未配置服务注册中心"))
		return
	}

	query := r.URL.Query()
	filter := registry.Filter{Category: query.Get("category")}
	if raw := query.Get("maxPrice"); raw != "" {
		filter.MaxPrice, _ = strconv.ParseFloat(raw, 64)
	}
	if raw := query.Get("minReputation"); raw != "" {
		filter.MinReputation, _ = strconv.ParseFloat(raw, 64)
	}
	if raw := query.Get("limit"); raw != "" {
		filter.Limit, _ = strconv.Atoi(raw)
	}

	services, err := s.registry.Discover(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

type rateRequest struct {
	Rating float64 `json:"rating"`
}

// handleService 分发 /api/v1/services/{id}[/rate] 请求。
func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "未配置服务注册中心"))
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/services/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		service, err := s.registry.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, service)
	case action == "rate" && r.Method == http.MethodPost:
		var req rateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		if err := s.registry.Rate(r.Context(), id, req.Rating); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		http.Error(w, "不支持的操作", http.StatusMethodNotAllowed)
	}
}

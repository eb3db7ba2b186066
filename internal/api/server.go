package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	xerrors "X402-Flow/internal/errors"
	"X402-Flow/internal/escrow"
	"X402-Flow/internal/observability/metrics"
	"X402-Flow/internal/registry"
	"X402-Flow/internal/settlement"
	"X402-Flow/internal/workflow"
	"X402-Flow/pkg/logger"
)

// Server 负责暴露 REST 接口，供外部驱动工作流执行与托管账户管理。
type Server struct {
	addr            string
	manager         *workflow.Manager
	ledger          *escrow.Ledger
	registry        *registry.Client
	verifier        *settlement.Verifier
	issuer          *settlement.Issuer
	shutdownTimeout time.Duration

	requirements *requirementStore
}

// NewServer 构造 API 服务实例。verifier 与 issuer 用于受保护的
// 付费端点，可按需为 nil。
func NewServer(addr string, manager *workflow.Manager, ledger *escrow.Ledger, reg *registry.Client, verifier *settlement.Verifier, issuer *settlement.Issuer, shutdownTimeout time.Duration) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Server{
		addr:            addr,
		manager:         manager,
		ledger:          ledger,
		registry:        reg,
		verifier:        verifier,
		issuer:          issuer,
		shutdownTimeout: shutdownTimeout,
		requirements:    newRequirementStore(),
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workflows", s.instrument("workflows", s.handleWorkflows))
	mux.HandleFunc("/api/v1/workflows/", s.instrument("workflow", s.handleWorkflow))
	mux.HandleFunc("/api/v1/escrow/accounts", s.instrument("escrow_accounts", s.handleCreateAccount))
	mux.HandleFunc("/api/v1/escrow/deposit", s.instrument("escrow_deposit", s.handleDeposit))
	mux.HandleFunc("/api/v1/escrow/balance", s.instrument("escrow_balance", s.handleBalance))
	mux.HandleFunc("/api/v1/escrow/withdraw", s.instrument("escrow_withdraw", s.handleWithdraw))
	mux.HandleFunc("/api/v1/escrow/history", s.instrument("escrow_history", s.handleHistory))
	mux.HandleFunc("/api/v1/services", s.instrument("services", s.handleServices))
	mux.HandleFunc("/api/v1/services/", s.instrument("service", s.handleService))
	mux.HandleFunc("/api/v1/paid/echo", s.instrument("paid_echo", s.handlePaidEcho))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.L().Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 让请求在进程退出时一并取消。
func withContext(ctx context.Context, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		merged, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-merged.Done():
			}
		}()
		next.ServeHTTP(w, r.WithContext(merged))
	})
}

// instrument 记录每个端点的请求指标。
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError 把统一错误类型映射为 HTTP 状态码与结构化响应。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := xerrors.CodeOf(err)
	switch code {
	case xerrors.CodeInvalidArgument, settlement.CodeStepExecution:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, workflow.CodeWorkflowNotFound, registry.CodeServiceNotFound, escrow.CodeAccountNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, workflow.CodeInvalidTransition, settlement.CodeDuplicateProof:
		status = http.StatusConflict
	case escrow.CodeInsufficientBalance:
		status = http.StatusPaymentRequired
	case settlement.CodePaymentVerification:
		status = http.StatusBadRequest
	case xerrors.CodeTimeout, workflow.CodeExecutionTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]any{
		"code":      string(code),
		"message":   err.Error(),
		"retryable": xerrors.RetryableError(err),
	})
}

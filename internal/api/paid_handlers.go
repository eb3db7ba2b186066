package api

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	xerrors "X402-Flow/internal/errors"
	"X402-Flow/internal/settlement"
)

// 示例付费端点的单次调用价格。
const paidEchoPrice = 0.01

// requirementStore 保存已签发但尚未完成支付的要求，按 requestId 检索。
// 过期的要求在下一次签发时顺带清理。
type requirementStore struct {
	mu   sync.Mutex
	open map[string]settlement.Requirement
}

func newRequirementStore() *requirementStore {
	return &requirementStore{open: make(map[string]settlement.Requirement)}
}

func (s *requirementStore) put(req settlement.Requirement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, open := range s.open {
		if open.Expired(now) {
			delete(s.open, id)
		}
	}
	s.open[req.RequestID] = req
}

// take 取出并关闭指定的支付要求。要求是一次性的。
func (s *requirementStore) take(requestID string) (settlement.Requirement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.open[requestID]
	if ok {
		delete(s.open, requestID)
	}
	return req, ok
}

// handlePaidEcho 是本系统作为付费服务方的示例端点：无支付证明时
// 返回 402 与支付要求，携带有效证明时回显请求体。
func (s *Server) handlePaidEcho(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.issuer == nil || s.verifier == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "未配置支付校验能力"))
		return
	}

	header := r.Header.Get(settlement.PaymentHeader)
	if header == "" {
		requirement := s.issuer.Issue(paidEchoPrice)
		s.requirements.put(requirement)
		writeJSON(w, http.StatusPaymentRequired, requirement)
		return
	}

	proof, err := settlement.DecodeProof(header)
	if err != nil {
		writeError(w, err)
		return
	}
	requirement, ok := s.requirements.take(proof.RequestID)
	if !ok {
		writeError(w, xerrors.New(settlement.CodePaymentVerification, "支付要求不存在或已关闭"))
		return
	}
	if err := s.verifier.Verify(r.Context(), proof, requirement); err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "读取请求体失败", http.StatusBadRequest)
		return
	}
	var echo any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &echo); err != nil {
			echo = string(body)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"echo": echo,
		"paid": requirement.Amount,
	})
}

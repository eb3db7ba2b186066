package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"X402-Flow/internal/chain"
	xerrors "X402-Flow/internal/errors"
)

type createAccountRequest struct {
	UserID        string `json:"userId"`
	FundingWallet string `json:"fundingWallet"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 userId"))
		return
	}
	account, err := s.ledger.CreateAccount(r.Context(), req.UserID, req.FundingWallet)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"account":        account,
		"fundingAddress": s.ledger.FundingAddress(),
	})
}

type depositRequest struct {
	UserID   string  `json:"userId"`
	Amount   float64 `json:"amount"`
	Evidence string  `json:"evidence"`
}

// handleDeposit 充值。入账前会对照转账网络核验凭证。
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Amount <= 0 || req.Evidence == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "userId、amount、evidence 均为必填"))
		return
	}
	account, err := s.ledger.Deposit(r.Context(), req.UserID, req.Amount, chain.TransferRef(req.Evidence))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 userId"))
		return
	}
	balance, err := s.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "balance": balance})
}

type withdrawRequest struct {
	UserID      string  `json:"userId"`
	Amount      float64 `json:"amount"`
	Destination string  `json:"destination"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Amount <= 0 || req.Destination == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "userId、amount、destination 均为必填"))
		return
	}
	ref, err := s.ledger.Withdraw(r.Context(), req.UserID, req.Amount, req.Destination)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transferRef": string(ref)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 userId"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	payments, err := s.ledger.History(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}

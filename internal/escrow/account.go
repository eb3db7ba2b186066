package escrow

import (
	xerrors "X402-Flow/internal/errors"
)

// Account 记录单个用户的托管资金状态。
type Account struct {
	UserID        string  `json:"user_id"`
	FundingWallet string  `json:"funding_wallet"`
	Balance       float64 `json:"balance"`
	Spent         float64 `json:"spent"`
	CreatedAt     int64   `json:"created_at"`
	LastTopUpAt   int64   `json:"last_top_up_at"`
}

// Payment 是账本记录的一次对外支付。
type Payment struct {
	TransferRef string  `json:"transfer_ref"`
	Amount      float64 `json:"amount"`
	Recipient   string  `json:"recipient"`
	Asset       string  `json:"asset"`
	Timestamp   int64   `json:"timestamp"`
}

const (
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeAccountNotFound     xerrors.Code = "ESCROW_ACCOUNT_NOT_FOUND"
	CodeDepositRejected     xerrors.Code = "DEPOSIT_VERIFICATION_FAILED"
	CodeTransferFailure     xerrors.Code = "TRANSFER_FAILED"
)

var (
	// ErrInsufficientBalance 表示余额不足。调用方补足入金后可重试整个工作流。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient escrow balance")
	// ErrAccountNotFound 表示托管账户不存在。
	ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "escrow account not found")
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:   "insufficient escrow balance",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAccountNotFound, xerrors.Attributes{
		Message:   "escrow account not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDepositRejected, xerrors.Attributes{
		Message:   "deposit verification failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTransferFailure, xerrors.Attributes{
		Message:   "value transfer failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

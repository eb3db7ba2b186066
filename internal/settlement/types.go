package settlement

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	xerrors "X402-Flow/internal/errors"
)

// PaymentHeader 是承载支付凭证的 HTTP 头。
const PaymentHeader = "X-Payment"

// Requirement 是服务方随 402 响应下发的支付要求（challenge）。
// 短期有效、一次性使用。
type Requirement struct {
	Scheme    string  `json:"scheme,omitempty"`
	Network   string  `json:"network,omitempty"`
	Asset     string  `json:"asset"`
	PayTo     string  `json:"payTo"`
	Amount    float64 `json:"amount"`
	RequestID string  `json:"requestId"`
	ExpiresAt int64   `json:"expiresAt"`
}

// Expired 判断支付要求是否已经过期。expiresAt 以毫秒计。
func (r Requirement) Expired(now time.Time) bool {
	return r.ExpiresAt > 0 && now.UnixMilli() > r.ExpiresAt
}

// requirementWire 兼容两种等价的字段拼写。
type requirementWire struct {
	Scheme    string          `json:"scheme"`
	Network   string          `json:"network"`
	Asset     string          `json:"asset"`
	Currency  string          `json:"currency"`
	Mint      string          `json:"mint"`
	PayTo     string          `json:"payTo"`
	Recipient string          `json:"recipient"`
	Amount    json.RawMessage `json:"amount"`
	RequestID string          `json:"requestId"`
	Nonce     string          `json:"nonce"`
	ExpiresAt int64           `json:"expiresAt"`
}

// UnmarshalJSON 接受 {scheme, network, asset, payTo, amount, requestId,
// expiresAt} 与 {amount, recipient, currency, mint, expiresAt, requestId}
// 两种等价变体，amount 允许为数字或字符串。
func (r *Requirement) UnmarshalJSON(data []byte) error {
	var wire requirementWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	amount, err := decodeAmount(wire.Amount)
	if err != nil {
		return err
	}

	r.Scheme = wire.Scheme
	r.Network = wire.Network
	r.Amount = amount
	r.ExpiresAt = wire.ExpiresAt

	r.Asset = wire.Asset
	if r.Asset == "" {
		r.Asset = wire.Currency
	}
	if r.Asset == "" {
		r.Asset = wire.Mint
	}

	r.PayTo = wire.PayTo
	if r.PayTo == "" {
		r.PayTo = wire.Recipient
	}

	r.RequestID = wire.RequestID
	if r.RequestID == "" {
		r.RequestID = wire.Nonce
	}
	return nil
}

// Validate 检查支付要求的必填字段。
func (r Requirement) Validate() error {
	if r.Amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付要求缺少有效金额")
	}
	if strings.TrimSpace(r.PayTo) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付要求缺少收款地址")
	}
	if strings.TrimSpace(r.RequestID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "支付要求缺少 requestId")
	}
	return nil
}

func decodeAmount(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "支付金额格式不合法")
	}
	number, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "支付金额格式不合法")
	}
	return number, nil
}

// Proof 是一次已完成转账的证明，随重试请求回传给服务方。
// 每个签名至多被接受一次。
type Proof struct {
	Signature string  `json:"signature"`
	Amount    float64 `json:"amount"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Asset     string  `json:"asset"`
	Network   string  `json:"network,omitempty"`
	RequestID string  `json:"requestId"`
	Timestamp int64   `json:"timestamp"`
}

const (
	CodePaymentVerification xerrors.Code = "PAYMENT_VERIFICATION_FAILED"
	CodeDuplicateProof      xerrors.Code = "DUPLICATE_PAYMENT_PROOF"
	CodeStepExecution       xerrors.Code = "STEP_EXECUTION_FAILED"
)

var (
	// ErrDuplicateProof 表示同一签名被再次提交，是重放信号。
	ErrDuplicateProof = xerrors.New(CodeDuplicateProof, "payment proof already consumed")
)

func init() {
	xerrors.Register(CodePaymentVerification, xerrors.Attributes{
		Message:   "payment verification failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeDuplicateProof, xerrors.Attributes{
		Message:   "payment proof already consumed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeStepExecution, xerrors.Attributes{
		Message:   "step execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

package settlement

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"X402-Flow/internal/chain"
	xerrors "X402-Flow/internal/errors"
	"X402-Flow/internal/escrow"
	"X402-Flow/internal/observability/metrics"
	"X402-Flow/internal/plan"
	"X402-Flow/pkg/logger"
)

// Payer 是结算客户端所需的托管账本能力。
type Payer interface {
	GetBalance(ctx context.Context, userID string) (float64, error)
	Pay(ctx context.Context, userID, recipient string, amount float64, asset string) (chain.TransferRef, error)
	Refund(ctx context.Context, userID string, amount float64) error
	FundingAddress() string
}

// Result 保存一次服务调用结算后的结果。
type Result struct {
	Output     json.RawMessage
	PaidAmount float64
	ProofRef   string
}

// Client 实现付费服务调用的结算协议：先裸调目标服务，收到 402 支付
// 要求后通过托管账本完成转账，再携带支付证明重放原始请求。
type Client struct {
	http  *http.Client
	payer Payer
}

// NewClient 创建结算客户端。
func NewClient(payer Payer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:  &http.Client{Timeout: timeout},
		payer: payer,
	}
}

// Settle 对目标服务执行一次带结算的调用。
func (c *Client) Settle(ctx context.Context, userID, serviceURL string, params map[string]any, step plan.Step) (*Result, error) {
	status, body, err := c.post(ctx, serviceURL, params, "")
	if err != nil {
		return nil, xerrors.Wrap(CodeStepExecution, err, fmt.Sprintf("调用服务 %s 失败", serviceURL))
	}

	if status == http.StatusOK {
		return &Result{Output: body}, nil
	}
	if status != http.StatusPaymentRequired {
		return nil, xerrors.New(CodeStepExecution, fmt.Sprintf("服务返回状态 %d", status))
	}

	var requirement Requirement
	if err := json.Unmarshal(body, &requirement); err != nil {
		return nil, xerrors.Wrap(CodePaymentVerification, err, "解析支付要求失败")
	}
	if err := requirement.Validate(); err != nil {
		return nil, xerrors.Wrap(CodePaymentVerification, err, "支付要求不完整")
	}
	if requirement.Expired(time.Now()) {
		return nil, xerrors.New(CodePaymentVerification, "支付要求已过期")
	}

	balance, err := c.payer.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < requirement.Amount {
		return nil, xerrors.New(escrow.CodeInsufficientBalance,
			fmt.Sprintf("托管余额不足: 可用 %f, 需要 %f, 请先充值", balance, requirement.Amount))
	}

	ref, err := c.payer.Pay(ctx, userID, requirement.PayTo, requirement.Amount, requirement.Asset)
	if err != nil {
		return nil, err
	}

	proof := Proof{
		Signature: string(ref),
		Amount:    requirement.Amount,
		From:      c.payer.FundingAddress(),
		To:        requirement.PayTo,
		Asset:     requirement.Asset,
		Network:   requirement.Network,
		RequestID: requirement.RequestID,
		Timestamp: time.Now().UnixMilli(),
	}
	header, err := EncodeProof(proof)
	if err != nil {
		return nil, xerrors.Wrap(CodePaymentVerification, err, "编码支付证明失败")
	}

	status, body, err = c.post(ctx, serviceURL, params, header)
	if err != nil {
		c.refundOnRejection(ctx, userID, requirement.Amount)
		return nil, xerrors.Wrap(CodePaymentVerification, err, "携带支付证明重放请求失败")
	}
	if status != http.StatusOK {
		logger.L().Warn("支付证明未被服务方接受",
			slog.String("service_url", serviceURL),
			slog.Int("status", status),
			slog.String("request_id", requirement.RequestID),
		)
		c.refundOnRejection(ctx, userID, requirement.Amount)
		return nil, xerrors.New(CodePaymentVerification, fmt.Sprintf("服务方拒绝支付证明, 状态 %d", status))
	}

	metrics.ObserveSettlement(requirement.Amount)
	logger.Audit().Info("步骤结算完成",
		slog.String("step_id", step.ID),
		slog.String("service_url", serviceURL),
		slog.Float64("amount", requirement.Amount),
		slog.String("transfer_ref", string(ref)),
	)
	return &Result{Output: body, PaidAmount: requirement.Amount, ProofRef: string(ref)}, nil
}

// refundOnRejection 在服务方拒收支付证明时把已扣金额退回托管余额。
// 这是补偿性退款，不撤销链上转账本身。
func (c *Client) refundOnRejection(ctx context.Context, userID string, amount float64) {
	if err := c.payer.Refund(ctx, userID, amount); err != nil {
		logger.L().Error("结算被拒后退款失败",
			slog.String("user_id", userID),
			slog.Float64("amount", amount),
			slog.Any("error", err),
		)
	}
}

func (c *Client) post(ctx context.Context, endpoint string, params map[string]any, paymentHeader string) (int, []byte, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return 0, nil, fmt.Errorf("序列化请求参数失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("构造服务请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if paymentHeader != "" {
		req.Header.Set(PaymentHeader, paymentHeader)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("读取服务响应失败: %w", err)
	}
	return resp.StatusCode, body, nil
}

// EncodeProof 把支付证明编码为请求头携带的 base64 JSON。
func EncodeProof(proof Proof) (string, error) {
	raw, err := json.Marshal(proof)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeProof 解析请求头中的支付证明，兼容 base64 与裸 JSON 两种格式。
func DecodeProof(header string) (*Proof, error) {
	if header == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少支付证明")
	}
	raw := []byte(header)
	if decoded, err := base64.StdEncoding.DecodeString(header); err == nil {
		raw = decoded
	}
	var proof Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return nil, xerrors.Wrap(CodePaymentVerification, err, "解析支付证明失败")
	}
	return &proof, nil
}

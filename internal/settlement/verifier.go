package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "X402-Flow/internal/errors"
	"X402-Flow/pkg/logger"
)

// 已消费签名的保留时长，覆盖支付要求的最长有效期即可。
const signatureRetention = 24 * time.Hour

// Verifier 校验入站支付证明。签名的一次性由 SignatureStore 保证，
// 校验顺序为重放、requestId、金额、时效，任一失败都是终态拒绝。
type Verifier struct {
	signatures SignatureStore
	now        func() time.Time
}

// NewVerifier 创建证明校验器。
func NewVerifier(signatures SignatureStore) *Verifier {
	return &Verifier{signatures: signatures, now: time.Now}
}

// Verify 校验支付证明是否满足支付要求。
func (v *Verifier) Verify(ctx context.Context, proof *Proof, requirement Requirement) error {
	if proof == nil || proof.Signature == "" {
		return xerrors.New(CodePaymentVerification, "支付证明缺少签名")
	}

	accepted, err := v.signatures.Add(ctx, proof.Signature, signatureRetention)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录支付签名失败")
	}
	if !accepted {
		logger.Audit().Warn("检测到支付证明重放",
			slog.String("signature", proof.Signature),
			slog.String("request_id", proof.RequestID),
		)
		return ErrDuplicateProof
	}

	if requirement.RequestID != "" && proof.RequestID != requirement.RequestID {
		return xerrors.New(CodePaymentVerification,
			fmt.Sprintf("requestId 不匹配: 证明 %s, 要求 %s", proof.RequestID, requirement.RequestID))
	}
	if proof.Amount < requirement.Amount {
		return xerrors.New(CodePaymentVerification,
			fmt.Sprintf("支付金额不足: 实付 %f, 要求 %f", proof.Amount, requirement.Amount))
	}
	if requirement.Expired(v.now()) {
		return xerrors.New(CodePaymentVerification, "支付要求已过期")
	}
	return nil
}

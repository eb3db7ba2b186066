package settlement

import (
	"time"

	"github.com/google/uuid"
)

// 默认的支付要求有效期。
const defaultRequirementTTL = 5 * time.Minute

// Issuer 为受保护的服务端点签发支付要求。
type Issuer struct {
	payTo   string
	asset   string
	network string
	ttl     time.Duration
	now     func() time.Time
}

// NewIssuer 创建支付要求签发器。payTo 为收款地址，asset 为结算资产。
func NewIssuer(payTo, asset, network string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = defaultRequirementTTL
	}
	return &Issuer{
		payTo:   payTo,
		asset:   asset,
		network: network,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue 签发一份一次性的支付要求。requestId 全局唯一。
func (i *Issuer) Issue(amount float64) Requirement {
	return Requirement{
		Scheme:    "exact",
		Network:   i.network,
		Asset:     i.asset,
		PayTo:     i.payTo,
		Amount:    amount,
		RequestID: uuid.NewString(),
		ExpiresAt: i.now().Add(i.ttl).UnixMilli(),
	}
}

package chain

import "context"

// TransferRef 是一次链上价值转移的引用（通常为交易哈希）。
type TransferRef string

// Network defines the transfer-execution and transfer-verification
// capability the escrow ledger relies on. Implementations are expected to
// delegate transaction signing to an externally supplied wallet.
type Network interface {
	// SendValue 将指定数量的资产转给收款地址，返回转账引用。
	SendValue(ctx context.Context, recipient string, amount float64, asset string) (TransferRef, error)
	// VerifyDeposit 校验给定引用的入账交易确实把至少 expectedAmount
	// 的资产转入了托管的入金地址。
	VerifyDeposit(ctx context.Context, ref TransferRef, expectedAmount float64) error
	// FundingAddress 返回托管账本的入金地址。
	FundingAddress() string
	// Close 释放底层网络连接。
	Close()
}

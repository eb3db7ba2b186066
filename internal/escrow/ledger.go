package escrow

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"X402-Flow/internal/chain"
	xerrors "X402-Flow/internal/errors"
	"X402-Flow/pkg/logger"
)

// lockStripes 决定按用户分段的互斥锁数量。
const lockStripes = 64

// Ledger 负责每个用户的资金核算以及实际的链上转账。
// 同一用户的所有改账操作互斥（单写者），不同用户互不影响。
type Ledger struct {
	store   Store
	network chain.Network
	locks   [lockStripes]sync.Mutex
}

// NewLedger 构造托管账本。
func NewLedger(store Store, network chain.Network) *Ledger {
	return &Ledger{store: store, network: network}
}

func (l *Ledger) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &l.locks[h.Sum32()%lockStripes]
}

// CreateAccount 为用户建立托管账户。重复创建返回已有账户。
func (l *Ledger) CreateAccount(ctx context.Context, userID, fundingWallet string) (*Account, error) {
	if userID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户 ID 不能为空")
	}
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := l.store.Get(ctx, userID); err == nil {
		return existing, nil
	}
	now := time.Now().Unix()
	account := &Account{
		UserID:        userID,
		FundingWallet: fundingWallet,
		Balance:       0,
		Spent:         0,
		CreatedAt:     now,
		LastTopUpAt:   now,
	}
	if err := l.store.Put(ctx, account); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建托管账户失败")
	}
	clone := *account
	return &clone, nil
}

// Deposit 在独立核验链上入金后为账户入账。伪造或金额不足的凭证被拒绝。
func (l *Ledger) Deposit(ctx context.Context, userID string, amount float64, evidence chain.TransferRef) (*Account, error) {
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "入金金额必须为正数")
	}
	if l.network == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "账本未配置结算网络")
	}
	if err := l.network.VerifyDeposit(ctx, evidence, amount); err != nil {
		return nil, xerrors.Wrap(CodeDepositRejected, err, "入金核验未通过")
	}

	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	account, err := l.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	account.Balance += amount
	account.LastTopUpAt = time.Now().Unix()
	if err := l.store.Put(ctx, account); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账户余额失败")
	}
	logger.Audit().Info("托管账户入金",
		slog.String("user_id", userID),
		slog.Float64("amount", amount),
		slog.String("evidence", string(evidence)),
	)
	return account, nil
}

// GetBalance 返回账户当前余额。账户不存在时返回零。
func (l *Ledger) GetBalance(ctx context.Context, userID string) (float64, error) {
	account, err := l.store.Get(ctx, userID)
	if err != nil {
		if xerrors.CodeOf(err) == CodeAccountNotFound {
			return 0, nil
		}
		return 0, err
	}
	return account.Balance, nil
}

// Deduct 原子地扣减余额并累计支出。余额不足时账户保持不变。
func (l *Ledger) Deduct(ctx context.Context, userID string, amount float64) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "扣款金额必须为正数")
	}
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return l.deductLocked(ctx, userID, amount)
}

func (l *Ledger) deductLocked(ctx context.Context, userID string, amount float64) error {
	account, err := l.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	if account.Balance < amount {
		return xerrors.New(CodeInsufficientBalance,
			fmt.Sprintf("余额不足: 可用 %f, 需要 %f", account.Balance, amount))
	}
	account.Balance -= amount
	account.Spent += amount
	if err := l.store.Put(ctx, account); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入扣款结果失败")
	}
	return nil
}

// Refund 撤销一次扣款：恢复余额并回退支出。
func (l *Ledger) Refund(ctx context.Context, userID string, amount float64) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "退款金额必须为正数")
	}
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return l.refundLocked(ctx, userID, amount)
}

func (l *Ledger) refundLocked(ctx context.Context, userID string, amount float64) error {
	account, err := l.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	account.Balance += amount
	account.Spent -= amount
	if account.Spent < 0 {
		account.Spent = 0
	}
	if err := l.store.Put(ctx, account); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入退款结果失败")
	}
	return nil
}

// Pay 先扣款再执行链上转账。转账失败时必须退款后再上抛错误，
// 保证账本余额与实际资金一致。
func (l *Ledger) Pay(ctx context.Context, userID, recipient string, amount float64, asset string) (chain.TransferRef, error) {
	if l.network == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "账本未配置结算网络")
	}
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := l.deductLocked(ctx, userID, amount); err != nil {
		return "", err
	}

	ref, err := l.network.SendValue(ctx, recipient, amount, asset)
	if err != nil {
		if refundErr := l.refundLocked(ctx, userID, amount); refundErr != nil {
			logger.L().Error("转账失败后的退款也失败了",
				slog.Any("error", refundErr),
				slog.String("user_id", userID),
				slog.Float64("amount", amount),
			)
			return "", xerrors.Wrap(CodeTransferFailure, refundErr, "转账失败且退款未完成")
		}
		return "", xerrors.Wrap(CodeTransferFailure, err, "链上转账失败")
	}

	payment := Payment{
		TransferRef: string(ref),
		Amount:      amount,
		Recipient:   recipient,
		Asset:       asset,
		Timestamp:   time.Now().Unix(),
	}
	if err := l.store.AppendPayment(ctx, userID, payment); err != nil {
		logger.L().Warn("记录支付流水失败", slog.Any("error", err), slog.String("user_id", userID))
	}
	logger.Audit().Info("托管账户支付",
		slog.String("user_id", userID),
		slog.String("recipient", recipient),
		slog.Float64("amount", amount),
		slog.String("transfer_ref", string(ref)),
	)
	return ref, nil
}

// Withdraw 把余额中的资金转回用户指定地址。
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount float64, destination string) (chain.TransferRef, error) {
	if l.network == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "账本未配置结算网络")
	}
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	account, err := l.store.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if account.Balance < amount {
		return "", xerrors.New(CodeInsufficientBalance,
			fmt.Sprintf("余额不足: 可用 %f, 提取 %f", account.Balance, amount))
	}

	ref, err := l.network.SendValue(ctx, destination, amount, "")
	if err != nil {
		return "", xerrors.Wrap(CodeTransferFailure, err, "提现转账失败")
	}

	account.Balance -= amount
	if err := l.store.Put(ctx, account); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入提现结果失败")
	}
	logger.Audit().Info("托管账户提现",
		slog.String("user_id", userID),
		slog.Float64("amount", amount),
		slog.String("destination", destination),
	)
	return ref, nil
}

// History 返回用户最近的支付流水。
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListPayments(ctx, userID, limit)
}

// FundingAddress 返回账本的入金地址，供调用方充值使用。
func (l *Ledger) FundingAddress() string {
	if l.network == nil {
		return ""
	}
	return l.network.FundingAddress()
}

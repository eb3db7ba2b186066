package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"X402-Flow/internal/chain"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// erc20ABI 仅包含托管转账所需的方法子集。
const erc20ABI = `[
  {"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

// transferEventTopic 是 ERC-20 Transfer(address,address,uint256) 的事件签名。
var transferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// nativeAssets 列出被视为链原生资产的标识。
var nativeAssets = map[string]struct{}{"": {}, "ETH": {}, "NATIVE": {}}

// Config describes how to construct an EVM compatible settlement client.
type Config struct {
	Name           string
	RPCURL         string
	WSURL          string
	FundingAddress string
	Notes          string
}

// Client implements chain.Network for EVM compatible networks. Transaction
// signing is delegated to the bind.TransactOpts supplied by the wallet
// collaborator; the client never touches key material.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	auth      *bind.TransactOpts
	funding   common.Address
	abi       abi.ABI
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use
// client. auth may be nil for a verification-only client.
func NewClient(ctx context.Context, cfg Config, auth *bind.TransactOpts) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	funding := strings.TrimSpace(cfg.FundingAddress)
	if funding == "" {
		return nil, errors.New("未配置托管入金地址")
	}
	if !common.IsHexAddress(funding) {
		return nil, fmt.Errorf("入金地址 %s 不是合法的以太坊地址", funding)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析 ERC-20 ABI 失败: %w", err)
	}

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
		auth:      auth,
		funding:   common.HexToAddress(funding),
		abi:       parsedABI,
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// FundingAddress 返回托管账本的入金地址。
func (c *Client) FundingAddress() string {
	return c.funding.Hex()
}

// SendValue 把 amount 数量的资产转给 recipient，返回交易哈希。
// asset 为空或 ETH 时走原生转账，否则按 ERC-20 合约地址处理。
func (c *Client) SendValue(ctx context.Context, recipient string, amount float64, asset string) (chain.TransferRef, error) {
	if c == nil || c.eth == nil {
		return "", errors.New("未初始化的以太坊客户端")
	}
	if c.auth == nil {
		return "", errors.New("客户端缺少钱包签名器，无法发起转账")
	}
	if amount <= 0 {
		return "", errors.New("转账金额必须为正数")
	}
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("收款地址 %s 不是合法的以太坊地址", recipient)
	}
	to := common.HexToAddress(recipient)

	// 串行化 nonce 分配，避免并行步骤抢占同一账户的 nonce。
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, c.auth.From)
	if err != nil {
		return "", fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("查询建议 gas 价格失败: %w", err)
	}

	var tx *coretypes.Transaction
	if isNativeAsset(asset) {
		tx = coretypes.NewTransaction(nonce, to, etherToWei(amount), 21000, gasPrice, nil)
	} else {
		if !common.IsHexAddress(asset) {
			return "", fmt.Errorf("资产 %s 不是合法的合约地址", asset)
		}
		token := common.HexToAddress(asset)
		units, err := c.tokenUnits(ctx, token, amount)
		if err != nil {
			return "", err
		}
		input, err := c.abi.Pack("transfer", to, units)
		if err != nil {
			return "", fmt.Errorf("构造 ERC-20 转账失败: %w", err)
		}
		tx = coretypes.NewTransaction(nonce, token, big.NewInt(0), 90000, gasPrice, input)
	}

	signed, err := c.auth.Signer(c.auth.From, tx)
	if err != nil {
		return "", fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("广播交易失败: %w", err)
	}
	return chain.TransferRef(signed.Hash().Hex()), nil
}

// VerifyDeposit 校验指定交易确实向入金地址转入了至少 expectedAmount。
// 伪造或金额不足的凭证一律拒绝。
func (c *Client) VerifyDeposit(ctx context.Context, ref chain.TransferRef, expectedAmount float64) error {
	if c == nil || c.eth == nil {
		return errors.New("未初始化的以太坊客户端")
	}
	hash := common.HexToHash(string(ref))

	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		return fmt.Errorf("查询入金交易失败: %w", err)
	}
	if pending {
		return errors.New("入金交易尚未确认")
	}
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return fmt.Errorf("查询入金回执失败: %w", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return errors.New("入金交易执行失败")
	}

	// 原生转账：目标地址与金额直接可读。
	if tx.To() != nil && *tx.To() == c.funding {
		if tx.Value().Cmp(etherToWei(expectedAmount)) >= 0 {
			return nil
		}
		return fmt.Errorf("入金金额不足: 声称 %f", expectedAmount)
	}

	// ERC-20 转账：在回执日志中寻找指向入金地址的 Transfer 事件。
	for _, logEntry := range receipt.Logs {
		if len(logEntry.Topics) != 3 || logEntry.Topics[0] != transferEventTopic {
			continue
		}
		recipient := common.BytesToAddress(logEntry.Topics[2].Bytes())
		if recipient != c.funding {
			continue
		}
		value := new(big.Int).SetBytes(logEntry.Data)
		units, err := c.tokenUnits(ctx, logEntry.Address, expectedAmount)
		if err != nil {
			return err
		}
		if value.Cmp(units) >= 0 {
			return nil
		}
	}
	return errors.New("未在交易中找到指向入金地址的转账")
}

// tokenUnits 按合约的 decimals 把金额换算为最小单位。
func (c *Client) tokenUnits(ctx context.Context, token common.Address, amount float64) (*big.Int, error) {
	input, err := c.abi.Pack("decimals")
	if err != nil {
		return nil, fmt.Errorf("构造 decimals 调用失败: %w", err)
	}
	raw, err := c.eth.CallContract(ctx, callMsg(token, input), nil)
	if err != nil {
		return nil, fmt.Errorf("查询代币精度失败: %w", err)
	}
	decimals := uint8(6)
	if outputs, err := c.abi.Unpack("decimals", raw); err == nil && len(outputs) == 1 {
		if d, ok := outputs[0].(uint8); ok {
			decimals = d
		}
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	units, _ := new(big.Float).Mul(big.NewFloat(amount), scale).Int(nil)
	return units, nil
}

func callMsg(to common.Address, data []byte) gethcore.CallMsg {
	return gethcore.CallMsg{To: &to, Data: data}
}

func isNativeAsset(asset string) bool {
	_, ok := nativeAssets[strings.ToUpper(strings.TrimSpace(asset))]
	return ok
}

func etherToWei(amount float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(amount), big.NewFloat(1e18)).Int(nil)
	return wei
}

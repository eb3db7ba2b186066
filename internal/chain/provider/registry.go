package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"X402-Flow/internal/chain"
	"X402-Flow/internal/chain/ethereum"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
)

// Registry manages settlement network clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]chain.Network
}

// Config 描述注册表的构建参数。
type Config struct {
	ChainConfigPath string
	DefaultChain    string
}

// NewRegistry loads chain definitions and instantiates concrete clients.
// auth 是钱包协作方提供的签名能力，可为 nil（只读模式）。
func NewRegistry(ctx context.Context, cfg Config, auth *bind.TransactOpts) (*Registry, error) {
	defs, err := chain.LoadDefinitions(cfg.ChainConfigPath)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]chain.Network)
	for name, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:           name,
				RPCURL:         def.RPCURL,
				WSURL:          def.WSURL,
				FundingAddress: def.FundingAddress,
				Notes:          def.Description,
			}, auth)
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何结算网络")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// DefaultNetwork returns the network configured as default.
func (r *Registry) DefaultNetwork() (chain.Network, error) {
	if r == nil {
		return nil, errors.New("未初始化的结算网络注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Network returns the network identified by name.
func (r *Registry) Network(name string) (chain.Network, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered network names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

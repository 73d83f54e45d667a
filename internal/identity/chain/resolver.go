// Package chain 提供链上代理注册合约的只读解析，把 DID 解析为合约中
// 登记的公钥。交易侧（注册、质押等链上写入）不属于本系统，由外部
// 部署脚本完成。
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"OpenTrade-Chain/internal/identity"
)

// registryABI 是代理注册合约的最小只读接口。
const registryABI = `[
  {
    "inputs": [{"internalType": "address", "name": "agent", "type": "address"}],
    "name": "getAgent",
    "outputs": [
      {"internalType": "string", "name": "publicKey", "type": "string"},
      {"internalType": "bool", "name": "active", "type": "bool"}
    ],
    "stateMutability": "view",
    "type": "function"
  }
]`

// Config 描述访问注册合约所需的连接信息。
type Config struct {
	RPCURL          string
	ContractAddress string
}

// Resolver 通过以太坊节点查询链上注册合约。
type Resolver struct {
	eth      *ethclient.Client
	contract common.Address
	abi      abi.ABI
}

// NewResolver 连接 RPC 节点并校验合约地址。
func NewResolver(ctx context.Context, cfg Config) (*Resolver, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("注册合约地址不合法: %s", cfg.ContractAddress)
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("解析注册合约 ABI 失败: %w", err)
	}

	return &Resolver{
		eth:      eth,
		contract: common.HexToAddress(cfg.ContractAddress),
		abi:      parsed,
	}, nil
}

// Lookup 按 DID 查询链上登记的公钥与启用状态。
func (r *Resolver) Lookup(ctx context.Context, did string) (string, bool, error) {
	d := identity.Normalize(did)
	if !d.Valid() {
		return "", false, fmt.Errorf("DID 格式不合法: %s", did)
	}

	input, err := r.abi.Pack("getAgent", common.HexToAddress(d.Address()))
	if err != nil {
		return "", false, fmt.Errorf("编码合约调用失败: %w", err)
	}

	output, err := r.eth.CallContract(ctx, gethcore.CallMsg{
		To:   &r.contract,
		Data: input,
	}, nil)
	if err != nil {
		return "", false, fmt.Errorf("调用注册合约失败: %w", err)
	}

	results, err := r.abi.Unpack("getAgent", output)
	if err != nil {
		return "", false, fmt.Errorf("解码合约返回失败: %w", err)
	}
	if len(results) != 2 {
		return "", false, fmt.Errorf("合约返回字段数量异常: %d", len(results))
	}

	publicKey, ok := results[0].(string)
	if !ok {
		return "", false, errors.New("合约返回的公钥类型异常")
	}
	active, ok := results[1].(bool)
	if !ok {
		return "", false, errors.New("合约返回的状态类型异常")
	}
	return publicKey, active, nil
}

// Close 断开节点连接。
func (r *Resolver) Close() {
	if r != nil && r.eth != nil {
		r.eth.Close()
	}
}

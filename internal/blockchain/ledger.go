package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/balance-game/balance-game-backend/internal/contract"
	"github.com/balance-game/balance-game-backend/internal/model"
	"github.com/balance-game/balance-game-backend/pkg/logger"
)

// chainBackend Ledger 依赖的链访问能力, *Client 实现
type chainBackend interface {
	Address() common.Address
	ChainID() int64
	NetworkChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SignTransaction(tx *types.Transaction) (*types.Transaction, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// 常见链名称, 与 ethers 的 network.name 保持一致
var knownChainNames = map[int64]string{
	1:        "mainnet",
	10:       "optimism",
	137:      "matic",
	8453:     "base",
	17000:    "holesky",
	31337:    "hardhat",
	42161:    "arbitrum",
	11155111: "sepolia",
}

// ChainName 根据链 ID 解析名称
func ChainName(chainID int64) string {
	if name, ok := knownChainNames[chainID]; ok {
		return name
	}
	return "unknown"
}

// LedgerConfig 账本配置
type LedgerConfig struct {
	ChainName string // 为空时按链 ID 解析
	// GasLimitMultiplier 估算 gas 的放大系数
	GasLimitMultiplier float64
	ReceiptTimeout     time.Duration
	ReceiptPoll        time.Duration
}

// Ledger BalanceGame 合约的链上操作
type Ledger struct {
	chain    chainBackend
	contract *contract.BalanceGame

	chainName          string
	gasLimitMultiplier float64
	receiptTimeout     time.Duration
	receiptPoll        time.Duration
}

// NewLedger 创建账本
func NewLedger(chain chainBackend, binding *contract.BalanceGame, cfg *LedgerConfig) *Ledger {
	if cfg == nil {
		cfg = &LedgerConfig{}
	}

	multiplier := cfg.GasLimitMultiplier
	if multiplier < 1 {
		multiplier = 1.2
	}
	receiptTimeout := cfg.ReceiptTimeout
	if receiptTimeout == 0 {
		receiptTimeout = 2 * time.Minute
	}
	receiptPoll := cfg.ReceiptPoll
	if receiptPoll == 0 {
		receiptPoll = 2 * time.Second
	}

	return &Ledger{
		chain:              chain,
		contract:           binding,
		chainName:          cfg.ChainName,
		gasLimitMultiplier: multiplier,
		receiptTimeout:     receiptTimeout,
		receiptPoll:        receiptPoll,
	}
}

// LatestBlock 最新区块号
func (l *Ledger) LatestBlock(ctx context.Context) (uint64, error) {
	return l.chain.BlockNumber(ctx)
}

// NetworkIdentity 节点链身份
func (l *Ledger) NetworkIdentity(ctx context.Context) (*model.NetworkIdentity, error) {
	chainID, err := l.chain.NetworkChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}

	name := l.chainName
	if name == "" {
		name = ChainName(chainID.Int64())
	}
	return &model.NetworkIdentity{
		ChainID:   chainID.Int64(),
		ChainName: name,
	}, nil
}

// HasDeployedCode 地址上是否存在合约代码
func (l *Ledger) HasDeployedCode(ctx context.Context, address common.Address) (bool, error) {
	code, err := l.chain.CodeAt(ctx, address, nil)
	if err != nil {
		return false, fmt.Errorf("get code at %s: %w", address.Hex(), err)
	}
	return len(code) > 0, nil
}

// QueryEvents 查询 [from, to] 区间内某类事件, 按 (区块, 日志序号) 排序
func (l *Ledger) QueryEvents(ctx context.Context, kind model.EventKind, from, to uint64) ([]*contract.Event, error) {
	query := l.contract.FilterQuery(new(big.Int).SetUint64(from), new(big.Int).SetUint64(to), kind)
	logs, err := l.chain.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter %s logs [%d, %d]: %w", kind, from, to, err)
	}

	events := make([]*contract.Event, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		ev, err := l.contract.ParseLog(log)
		if err != nil {
			if !isUndecodableLog(err) {
				return nil, err
			}
			logger.Error("skip undecodable log",
				zap.String("kind", kind.String()),
				zap.Uint64("block", log.BlockNumber),
				zap.String("tx_hash", log.TxHash.Hex()),
				zap.Uint("log_index", log.Index),
				zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	contract.SortEvents(events)
	return events, nil
}

// GameInfo 读取链上投票统计
func (l *Ledger) GameInfo(ctx context.Context, gameID int64) (*model.GameTally, error) {
	data, err := l.contract.PackGetGameInfo(big.NewInt(gameID))
	if err != nil {
		return nil, err
	}

	to := l.contract.Address()
	result, err := l.chain.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getGameInfo(%d): %w", gameID, err)
	}

	info, err := l.contract.UnpackGetGameInfo(result)
	if err != nil {
		return nil, err
	}
	for name, v := range map[string]*big.Int{"voteCountA": info.VoteCountA, "voteCountB": info.VoteCountB} {
		if v == nil || v.Sign() < 0 || !v.IsInt64() {
			return nil, fmt.Errorf("%w: getGameInfo(%d) %s %v out of range", contract.ErrMalformedCall, gameID, name, v)
		}
	}
	if info.TotalPool == nil {
		return nil, fmt.Errorf("%w: getGameInfo(%d) missing totalPool", contract.ErrMalformedCall, gameID)
	}
	return &model.GameTally{
		VoteCountA: info.VoteCountA.Int64(),
		VoteCountB: info.VoteCountB.Int64(),
		TotalPool:  decimal.NewFromBigInt(info.TotalPool, 0),
	}, nil
}

// isUndecodableLog 无法解码的单条日志, 跳过而不中断整个查询
func isUndecodableLog(err error) bool {
	return errors.Is(err, contract.ErrMalformedEvent) || errors.Is(err, contract.ErrUnknownEvent)
}

// CheckWinner 以管理员账户签名发送 checkWinner 交易并等待回执
func (l *Ledger) CheckWinner(ctx context.Context, gameID int64) (common.Hash, error) {
	data, err := l.contract.PackCheckWinner(big.NewInt(gameID))
	if err != nil {
		return common.Hash{}, err
	}

	from := l.chain.Address()
	to := l.contract.Address()

	// 估算失败通常意味着合约会 revert
	gas, err := l.chain.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate checkWinner(%d): %w", gameID, err)
	}
	gasLimit := uint64(float64(gas) * l.gasLimitMultiplier)

	gasPrice, err := l.chain.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}

	nonce, err := l.chain.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedTx, err := l.chain.SignTransaction(tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign checkWinner: %w", err)
	}

	if err := l.chain.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("send checkWinner(%d): %w", gameID, err)
	}

	logger.Info("checkWinner transaction sent",
		zap.Int64("game_id", gameID),
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.Uint64("nonce", nonce))

	receipt, err := l.waitReceipt(ctx, signedTx.Hash())
	if err != nil {
		return signedTx.Hash(), err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return signedTx.Hash(), fmt.Errorf("%w: checkWinner(%d) reverted in block %d", ErrTxFailed, gameID, receipt.BlockNumber.Uint64())
	}
	return signedTx.Hash(), nil
}

// waitReceipt 轮询交易回执
func (l *Ledger) waitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(l.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := l.chain.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ErrTxNotFound) && ctx.Err() == nil {
			logger.Warn("get receipt failed", zap.String("tx_hash", txHash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, txHash.Hex())
		case <-ticker.C:
		}
	}
}

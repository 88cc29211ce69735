package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/balance-game/balance-game-backend/internal/blockchain"
	"github.com/balance-game/balance-game-backend/internal/contract"
	"github.com/balance-game/balance-game-backend/internal/model"
)

var (
	// ErrConfiguration 配置错误, 不可重试
	ErrConfiguration       = errors.New("configuration error")
	ErrContractNotDeployed = fmt.Errorf("%w: contract has no deployed code", ErrConfiguration)
	ErrChainIDMismatch     = fmt.Errorf("%w: chain id mismatch", ErrConfiguration)

	ErrUnknownAddress = errors.New("address has no local user")
	ErrInvalidEvent   = errors.New("invalid event")
)

// Ledger 链上只读查询与签名调用
type Ledger interface {
	LatestBlock(ctx context.Context) (uint64, error)
	QueryEvents(ctx context.Context, kind model.EventKind, from, to uint64) ([]*contract.Event, error)
	NetworkIdentity(ctx context.Context) (*model.NetworkIdentity, error)
	GameInfo(ctx context.Context, gameID int64) (*model.GameTally, error)
	// CheckWinner 交易一旦发出即返回非零哈希, 等待回执失败时同时返回错误
	CheckWinner(ctx context.Context, gameID int64) (common.Hash, error)
	HasDeployedCode(ctx context.Context, address common.Address) (bool, error)
}

// Session 一次订阅连接, 断线后整体替换
type Session interface {
	Subscribe(ctx context.Context, sink chan<- *contract.Event) (ethereum.Subscription, error)
	Close()
}

// SessionDialer 建立订阅连接
type SessionDialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialFunc 函数形式的 SessionDialer
type DialFunc func(ctx context.Context) (Session, error)

// Dial 实现 SessionDialer
func (f DialFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}

// WSSessionDialer 将 websocket 拨号器适配为 SessionDialer
func WSSessionDialer(d *blockchain.WSDialer) SessionDialer {
	return DialFunc(func(ctx context.Context) (Session, error) {
		s, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// IsConfigurationError 是否为不可重试的配置错误
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

var (
	_ Ledger  = (*blockchain.Ledger)(nil)
	_ Session = (*blockchain.WSSession)(nil)
)

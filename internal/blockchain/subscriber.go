package blockchain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"github.com/balance-game/balance-game-backend/internal/contract"
	"github.com/balance-game/balance-game-backend/pkg/logger"
)

// ErrSubscriptionClosed 底层订阅无错误关闭 (连接断开)
var ErrSubscriptionClosed = errors.New("log subscription closed")

// logSubscriber 日志订阅能力, *ethclient.Client 实现
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// WSDialer WebSocket 会话拨号器
type WSDialer struct {
	url      string
	contract *contract.BalanceGame
	dial     func(ctx context.Context, url string) (logSubscriber, error)
}

// NewWSDialer 创建 WebSocket 拨号器
func NewWSDialer(url string, binding *contract.BalanceGame) *WSDialer {
	return &WSDialer{
		url:      url,
		contract: binding,
		dial: func(ctx context.Context, url string) (logSubscriber, error) {
			return ethclient.DialContext(ctx, url)
		},
	}
}

// Dial 建立新的会话, 每次重连都会得到一个全新的会话
func (d *WSDialer) Dial(ctx context.Context) (*WSSession, error) {
	client, err := d.dial(ctx, d.url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	return &WSSession{
		client:   client,
		contract: d.contract,
	}, nil
}

// WSSession 一次 WebSocket 连接及其合约绑定
type WSSession struct {
	client   logSubscriber
	contract *contract.BalanceGame
}

// Subscribe 订阅合约全部事件, 解码后写入 sink
// 返回的订阅在连接断开或解码失败时通过 Err() 报告
func (s *WSSession) Subscribe(ctx context.Context, sink chan<- *contract.Event) (ethereum.Subscription, error) {
	logs := make(chan types.Log, 128)
	sub, err := s.client.SubscribeFilterLogs(ctx, s.contract.FilterQuery(nil, nil), logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case log := <-logs:
				if log.Removed {
					logger.Warn("skip removed log",
						zap.Uint64("block", log.BlockNumber),
						zap.String("tx_hash", log.TxHash.Hex()))
					continue
				}
				ev, err := s.contract.ParseLog(log)
				if err != nil {
					if !isUndecodableLog(err) {
						return err
					}
					logger.Error("skip undecodable log",
						zap.Uint64("block", log.BlockNumber),
						zap.String("tx_hash", log.TxHash.Hex()),
						zap.Uint("log_index", log.Index),
						zap.Error(err))
					continue
				}
				select {
				case sink <- ev:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				if err == nil {
					return ErrSubscriptionClosed
				}
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

// Close 关闭连接
func (s *WSSession) Close() {
	s.client.Close()
}

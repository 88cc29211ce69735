package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/balance-game/balance-game-backend/internal/contract"
	"github.com/balance-game/balance-game-backend/pkg/logger"
)

// ErrSessionEnded 订阅结束且未报告错误
var ErrSessionEnded = errors.New("subscription ended")

// Listener 顺序消费实时事件
type Listener struct {
	handler *EventHandler
}

// NewListener 创建实时监听器
func NewListener(handler *EventHandler) *Listener {
	return &Listener{handler: handler}
}

// Run 逐条写入实时事件, 直到 ctx 取消、订阅报错或写入失败
// ctx 取消时返回 nil, 其余情况返回导致本次会话结束的错误
func (l *Listener) Run(ctx context.Context, events <-chan *contract.Event, subErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-subErr:
			if !ok || err == nil {
				return ErrSessionEnded
			}
			return fmt.Errorf("subscription: %w", err)
		case ev, ok := <-events:
			if !ok {
				return ErrSessionEnded
			}
			if ev == nil {
				continue
			}
			if err := l.handler.ApplyLive(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.WithContext(ctx).Error("apply live event failed",
					zap.String("kind", ev.Kind.String()),
					zap.Uint64("block", ev.BlockNumber),
					zap.String("event_id", ev.ID()),
					zap.Error(err))
				return err
			}
			logger.WithContext(ctx).Debug("live event applied",
				zap.String("kind", ev.Kind.String()),
				zap.Uint64("block", ev.BlockNumber))
		}
	}
}

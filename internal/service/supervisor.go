package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/balance-game/balance-game-backend/internal/contract"
	"github.com/balance-game/balance-game-backend/internal/metrics"
	"github.com/balance-game/balance-game-backend/internal/model"
	"github.com/balance-game/balance-game-backend/pkg/logger"
)

const (
	defaultReconnectDelay = 3 * time.Second
	defaultEventBuffer    = 1024
)

// SupervisorConfig 连接管理配置
type SupervisorConfig struct {
	ContractAddress common.Address
	// ChainID 为 0 时不校验节点链 ID
	ChainID        int64
	ReconnectDelay time.Duration
	// EventBuffer 回放期间暂存实时事件的容量
	EventBuffer int
}

// StateObserver 连接状态变化回调
type StateObserver func(state model.ConnState)

// Supervisor 管理订阅连接的生命周期
//
// 状态: Disconnected -> Connecting -> Verifying -> Live -> Disconnected
// 每次进入 Live 先订阅再回放, 回放期间到达的实时事件进入缓冲, 回放结束后顺序写入.
// 传输错误固定间隔无限重试, 配置错误直接返回.
type Supervisor struct {
	dialer   SessionDialer
	ledger   Ledger
	recovery *RecoveryService
	listener *Listener

	contractAddress common.Address
	chainID         int64
	reconnectDelay  time.Duration
	eventBuffer     int

	state     atomic.Int32
	sessions  atomic.Uint64
	mu        sync.RWMutex
	observers []StateObserver
}

// NewSupervisor 创建连接管理器
func NewSupervisor(
	dialer SessionDialer,
	ledger Ledger,
	recovery *RecoveryService,
	listener *Listener,
	cfg *SupervisorConfig,
) *Supervisor {
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Supervisor{
		dialer:          dialer,
		ledger:          ledger,
		recovery:        recovery,
		listener:        listener,
		contractAddress: cfg.ContractAddress,
		chainID:         cfg.ChainID,
		reconnectDelay:  delay,
		eventBuffer:     buffer,
	}
}

// OnStateChange 注册状态观察者
func (s *Supervisor) OnStateChange(fn StateObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// State 当前连接状态
func (s *Supervisor) State() model.ConnState {
	return model.ConnState(s.state.Load())
}

func (s *Supervisor) setState(state model.ConnState) {
	if model.ConnState(s.state.Swap(int32(state))) == state {
		return
	}
	metrics.UpdateSupervisorState(int(state))
	logger.Info("supervisor state changed", zap.String("state", state.String()))

	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(state)
	}
}

// Run 运行直到 ctx 取消 (返回 nil) 或遇到配置错误
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(model.ConnStateDisconnected)

	for {
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if IsConfigurationError(err) {
			logger.Error("supervisor stopped on configuration error", zap.Error(err))
			return err
		}

		s.setState(model.ConnStateDisconnected)
		metrics.RecordReconnect()
		logger.Warn("session ended, reconnecting",
			zap.Error(err),
			zap.Duration("delay", s.reconnectDelay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.reconnectDelay):
		}
	}
}

// runSession 建立一次完整会话, 返回会话结束的原因
func (s *Supervisor) runSession(ctx context.Context) error {
	ctx = logger.NewContext(ctx, zap.Uint64("session", s.sessions.Add(1)))
	s.setState(model.ConnStateConnecting)
	session, err := s.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer session.Close()

	s.setState(model.ConnStateVerifying)
	if err := s.verify(ctx); err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan *contract.Event, s.eventBuffer)
	sub, err := session.Subscribe(sessionCtx, events)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	s.setState(model.ConnStateLive)
	logger.WithContext(ctx).Info("session subscribed, replaying missed blocks")
	if _, err := s.recovery.Recover(sessionCtx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	return s.listener.Run(sessionCtx, events, sub.Err())
}

// verify 校验合约已部署且节点链 ID 与配置一致
func (s *Supervisor) verify(ctx context.Context) error {
	deployed, err := s.ledger.HasDeployedCode(ctx, s.contractAddress)
	if err != nil {
		return fmt.Errorf("check contract code: %w", err)
	}
	if !deployed {
		return fmt.Errorf("%w: %s", ErrContractNotDeployed, s.contractAddress.Hex())
	}

	if s.chainID == 0 {
		return nil
	}
	identity, err := s.ledger.NetworkIdentity(ctx)
	if err != nil {
		return fmt.Errorf("get network identity: %w", err)
	}
	if identity.ChainID != s.chainID {
		return fmt.Errorf("%w: node %d, configured %d", ErrChainIDMismatch, identity.ChainID, s.chainID)
	}
	return nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/balance-game/balance-game-backend/internal/contract"
	"github.com/balance-game/balance-game-backend/internal/metrics"
	"github.com/balance-game/balance-game-backend/internal/model"
	"github.com/balance-game/balance-game-backend/internal/repository"
	"github.com/balance-game/balance-game-backend/pkg/logger"
	"github.com/balance-game/balance-game-backend/pkg/tracing"
)

const (
	sourceLive     = "live"
	sourceRecovery = "recovery"
)

// UnknownAddressPolicy 事件地址在本地无对应用户时的处理策略
type UnknownAddressPolicy string

const (
	// UnknownAddressFatal 中止整个事务
	UnknownAddressFatal UnknownAddressPolicy = "fatal"
	// UnknownAddressSkip 记录日志后跳过该条目
	UnknownAddressSkip UnknownAddressPolicy = "skip"
)

// Valid 是否为已知策略
func (p UnknownAddressPolicy) Valid() bool {
	return p == UnknownAddressFatal || p == UnknownAddressSkip
}

// DefaultUnknownAddressPolicies 默认策略: 中奖名单逐条跳过, 其余中止
func DefaultUnknownAddressPolicies() map[model.EventKind]UnknownAddressPolicy {
	return map[model.EventKind]UnknownAddressPolicy{
		model.EventKindGameCreated:  UnknownAddressFatal,
		model.EventKindVoteCast:     UnknownAddressFatal,
		model.EventKindWinnersDrawn: UnknownAddressSkip,
		model.EventKindPrizeClaimed: UnknownAddressFatal,
	}
}

// EventHandlerConfig 事件处理配置
type EventHandlerConfig struct {
	ChainID   int64
	ChainName string
	// Policies 缺省的事件类型使用默认策略
	Policies map[model.EventKind]UnknownAddressPolicy
}

type applyFunc func(ctx context.Context, ev *contract.Event) error

// EventHandler 将合约事件幂等地写入本地存储
type EventHandler struct {
	checkpointRepo repository.CheckpointRepository
	gameRepo       repository.GameRepository
	voteRepo       repository.VoteRepository
	winnerRepo     repository.WinnerRepository
	userRepo       repository.UserRepository

	chainID   int64
	chainName string
	policies  map[model.EventKind]UnknownAddressPolicy
	handlers  map[model.EventKind]applyFunc

	// 事务提交后回调
	onApplied func(ctx context.Context, ev *contract.Event) error
}

// NewEventHandler 创建事件处理器
func NewEventHandler(
	checkpointRepo repository.CheckpointRepository,
	gameRepo repository.GameRepository,
	voteRepo repository.VoteRepository,
	winnerRepo repository.WinnerRepository,
	userRepo repository.UserRepository,
	cfg *EventHandlerConfig,
) *EventHandler {
	policies := DefaultUnknownAddressPolicies()
	for kind, p := range cfg.Policies {
		if p.Valid() {
			policies[kind] = p
		}
	}

	h := &EventHandler{
		checkpointRepo: checkpointRepo,
		gameRepo:       gameRepo,
		voteRepo:       voteRepo,
		winnerRepo:     winnerRepo,
		userRepo:       userRepo,
		chainID:        cfg.ChainID,
		chainName:      cfg.ChainName,
		policies:       policies,
	}
	h.handlers = map[model.EventKind]applyFunc{
		model.EventKindGameCreated:  h.applyGameCreated,
		model.EventKindVoteCast:     h.applyVoteCast,
		model.EventKindWinnersDrawn: h.applyWinnersDrawn,
		model.EventKindPrizeClaimed: h.applyPrizeClaimed,
	}
	return h
}

// SetOnApplied 设置事件提交后的回调
func (h *EventHandler) SetOnApplied(fn func(ctx context.Context, ev *contract.Event) error) {
	h.onApplied = fn
}

// Policy 返回事件类型的未知地址策略
func (h *EventHandler) Policy(kind model.EventKind) UnknownAddressPolicy {
	if p, ok := h.policies[kind]; ok {
		return p
	}
	return UnknownAddressFatal
}

// Apply 在调用方事务内写入一条事件, 不推进检查点
func (h *EventHandler) Apply(ctx context.Context, ev *contract.Event) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	fn, ok := h.handlers[ev.Kind]
	if !ok {
		return fmt.Errorf("%w: unsupported kind %d", ErrInvalidEvent, ev.Kind)
	}
	err := fn(ctx, ev)
	if errors.Is(err, ErrInvalidEvent) {
		// 载荷校验在写入之前完成, 丢弃不会留下部分数据
		logger.Error("drop invalid event",
			zap.String("kind", ev.Kind.String()),
			zap.Uint64("block", ev.BlockNumber),
			zap.String("event_id", ev.ID()),
			zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply %s at block %d (%s): %w", ev.Kind, ev.BlockNumber, ev.ID(), err)
	}
	return nil
}

// ApplyLive 单事务写入实时事件并推进检查点到事件所在区块
func (h *EventHandler) ApplyLive(ctx context.Context, ev *contract.Event) (err error) {
	ctx, span := tracing.StartSpan(ctx, "event.apply_live")
	defer func() { tracing.End(span, err) }()
	if ev != nil {
		span.SetAttributes(
			tracing.AttrEventKind.String(ev.Kind.String()),
			tracing.AttrEventID.String(ev.ID()),
			tracing.AttrBlock.Int64(int64(ev.BlockNumber)))
	}

	err = h.checkpointRepo.TransactionWithRetry(ctx, repository.DefaultTxRetries, func(txCtx context.Context) error {
		if err := h.Apply(txCtx, ev); err != nil {
			return err
		}
		return h.checkpointRepo.Upsert(txCtx, h.chainID, h.chainName, int64(ev.BlockNumber))
	})
	if err != nil {
		if ev != nil {
			metrics.RecordEventFailed(ev.Kind.String(), sourceLive)
		}
		return err
	}

	metrics.RecordEventApplied(ev.Kind.String(), sourceLive)
	h.Notify(ctx, ev)
	return nil
}

// Notify 触发提交后回调, 回调失败只记录日志
func (h *EventHandler) Notify(ctx context.Context, ev *contract.Event) {
	if h.onApplied == nil {
		return
	}
	if err := h.onApplied(ctx, ev); err != nil {
		logger.Warn("event notification failed",
			zap.String("kind", ev.Kind.String()),
			zap.String("event_id", ev.ID()),
			zap.Error(err))
	}
}

func (h *EventHandler) applyGameCreated(ctx context.Context, ev *contract.Event) error {
	p := ev.GameCreated
	if p == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	gameID, err := toInt64(p.GameID)
	if err != nil {
		return err
	}
	createdAt, err := secondsToMilli(p.CreatedAt)
	if err != nil {
		return err
	}
	deadline, err := secondsToMilli(p.Deadline)
	if err != nil {
		return err
	}

	user, err := h.resolveUser(ctx, ev.Kind, p.Creator)
	if err != nil || user == nil {
		return err
	}

	return h.gameRepo.Upsert(ctx, &model.Game{
		ID:        gameID,
		OptionA:   p.OptionA,
		OptionB:   p.OptionB,
		CreatedAt: createdAt,
		Deadline:  deadline,
		CreatedBy: user.ID,
		TotalPool: decimal.Zero,
		UpdatedAt: time.Now().UnixMilli(),
	})
}

func (h *EventHandler) applyVoteCast(ctx context.Context, ev *contract.Event) error {
	p := ev.VoteCast
	if p == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	gameID, err := toInt64(p.GameID)
	if err != nil {
		return err
	}
	option, ok := model.VoteOptionFromIndex(p.Option)
	if !ok {
		return fmt.Errorf("%w: vote option %d", ErrInvalidEvent, p.Option)
	}
	votedAt, err := secondsToMilli(p.VotedAt)
	if err != nil {
		return err
	}

	user, err := h.resolveUser(ctx, ev.Kind, p.Voter)
	if err != nil || user == nil {
		return err
	}

	return h.voteRepo.Upsert(ctx, &model.Vote{
		GameID:      gameID,
		UserID:      user.ID,
		Option:      option,
		VotedAt:     votedAt,
		BlockNumber: int64(ev.BlockNumber),
	})
}

func (h *EventHandler) applyWinnersDrawn(ctx context.Context, ev *contract.Event) error {
	p := ev.WinnersDrawn
	if p == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	gameID, err := toInt64(p.GameID)
	if err != nil {
		return err
	}
	if len(p.Winners) == 0 {
		return nil
	}

	addresses := make([]string, len(p.Winners))
	for i, addr := range p.Winners {
		addresses[i] = repository.NormalizeAddress(addr.Hex())
	}
	users, err := h.userRepo.FindByAddresses(ctx, addresses)
	if err != nil {
		return fmt.Errorf("resolve winners: %w", err)
	}

	winners := make([]*model.Winner, 0, len(addresses))
	seen := make(map[string]struct{}, len(addresses))
	for i, addr := range addresses {
		// 同一地址重复出现时保留首个名次
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}

		user, ok := users[addr]
		if !ok {
			if err := h.unknownAddress(ev.Kind, addr, zap.Int64("game_id", gameID), zap.Int("rank", i+1)); err != nil {
				return err
			}
			continue
		}
		winners = append(winners, &model.Winner{
			GameID:    gameID,
			UserID:    user.ID,
			Rank:      i + 1,
			ClaimPool: decimal.Zero,
		})
	}

	return h.winnerRepo.UpsertRanks(ctx, winners)
}

func (h *EventHandler) applyPrizeClaimed(ctx context.Context, ev *contract.Event) error {
	p := ev.PrizeClaimed
	if p == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	gameID, err := toInt64(p.GameID)
	if err != nil {
		return err
	}
	if p.Rank == 0 {
		return fmt.Errorf("%w: winner rank 0", ErrInvalidEvent)
	}
	if p.Amount == nil || p.Amount.Sign() < 0 {
		return fmt.Errorf("%w: claim amount", ErrInvalidEvent)
	}
	amount := decimal.NewFromBigInt(p.Amount, 0)
	rank := int(p.Rank)

	user, err := h.resolveUser(ctx, ev.Kind, p.Claimant)
	if err != nil || user == nil {
		return err
	}

	affected, err := h.winnerRepo.ClaimByRank(ctx, gameID, rank, amount)
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	// 中奖名单尚未写入 (例如该地址在 NewWinner 时被跳过), 按领取人补写
	logger.Warn("claim without winner row, inserting",
		zap.Int64("game_id", gameID),
		zap.Int("rank", rank),
		zap.Int64("user_id", user.ID))
	return h.winnerRepo.UpsertClaim(ctx, &model.Winner{
		GameID:    gameID,
		UserID:    user.ID,
		Rank:      rank,
		ClaimPool: amount,
	})
}

// resolveUser 按地址查找用户
// 跳过策略下未知地址返回 (nil, nil)
func (h *EventHandler) resolveUser(ctx context.Context, kind model.EventKind, address common.Address) (*model.User, error) {
	addr := repository.NormalizeAddress(address.Hex())
	user, err := h.userRepo.FindByAddress(ctx, addr)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	return nil, h.unknownAddress(kind, addr)
}

// unknownAddress 按策略处理未知地址, fatal 返回错误
func (h *EventHandler) unknownAddress(kind model.EventKind, addr string, fields ...zap.Field) error {
	policy := h.Policy(kind)
	metrics.RecordUnknownAddress(kind.String(), string(policy))

	fields = append(fields,
		zap.String("kind", kind.String()),
		zap.String("address", addr),
		zap.String("policy", string(policy)))
	if policy == UnknownAddressSkip {
		logger.Warn("skip unknown address", fields...)
		return nil
	}
	logger.Error("unknown address", fields...)
	return fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
}

// toInt64 链上 uint256 转 int64
func toInt64(v *big.Int) (int64, error) {
	if v == nil || v.Sign() < 0 || !v.IsInt64() {
		return 0, fmt.Errorf("%w: value %v out of range", ErrInvalidEvent, v)
	}
	return v.Int64(), nil
}

// maxSeconds 乘以 1000 后仍在 int64 范围内
const maxSeconds = int64(1<<63-1) / 1000

// secondsToMilli 链上秒级时间戳转毫秒
func secondsToMilli(v *big.Int) (int64, error) {
	sec, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	if sec > maxSeconds {
		return 0, fmt.Errorf("%w: timestamp %d out of range", ErrInvalidEvent, sec)
	}
	return sec * 1000, nil
}

// Package kafka 提供 Kafka 生产者功能
//
// ========================================
// Kafka 生产者对接说明
// ========================================
//
// Topic: game-events
//   - 消费者: 通知服务 (按地址推送站内通知)
//   - 消息内容: GameEventMessage (已落库的合约事件)
//   - 处理逻辑: 事件所在事务提交后发送, 回放重放的事件会重复发送,
//     消费方按 event_id 去重
//   - Partition Key: game_id, 同一游戏的事件保持顺序
//
// ========================================
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/balance-game/balance-game-backend/internal/contract"
	"github.com/balance-game/balance-game-backend/internal/metrics"
	"github.com/balance-game/balance-game-backend/internal/model"
	"github.com/balance-game/balance-game-backend/pkg/logger"
	"github.com/balance-game/balance-game-backend/pkg/tracing"
)

// TopicGameEvents 游戏事件 Topic
// 生产者: balance-chain
// Partition Key: game_id
// 消息格式: GameEventMessage
const TopicGameEvents = "game-events"

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("producer is closed")

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
	SASL         *SASLConfig
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, newSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewProducerWithClient(producer), nil
}

// NewProducerWithClient 包装已有的同步生产者
func NewProducerWithClient(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

func newSaramaConfig(cfg *ProducerConfig) *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	if cfg.ClientID != "" {
		config.ClientID = cfg.ClientID
	}
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	applySASL(config, cfg.SASL)
	return config
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(ctx context.Context, topic string, key string, value []byte) (err error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrProducerClosed
	}
	p.mu.RUnlock()

	ctx, span := tracing.StartProduceSpan(ctx, topic, key)
	defer func() { tracing.End(span, err) }()

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(value),
		Headers: tracing.InjectHeaders(ctx, nil),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	metrics.RecordKafkaMessage(topic, err == nil)
	if err != nil {
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// SendGameEvent 发送游戏事件
func (p *Producer) SendGameEvent(ctx context.Context, msg *GameEventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.send(ctx, TopicGameEvents, msg.GameID, data)
}

// GameEventMessage 游戏事件消息
type GameEventMessage struct {
	MessageID   string   `json:"message_id"`
	EventID     string   `json:"event_id"` // tx_hash:log_index
	Kind        string   `json:"kind"`
	ChainID     int64    `json:"chain_id"`
	BlockNumber uint64   `json:"block_number"`
	TxHash      string   `json:"tx_hash"`
	LogIndex    uint     `json:"log_index"`
	GameID      string   `json:"game_id"`
	Addresses   []string `json:"addresses"` // 需要通知的地址, 小写
	OptionA     string   `json:"option_a,omitempty"`
	OptionB     string   `json:"option_b,omitempty"`
	Deadline    int64    `json:"deadline,omitempty"` // 毫秒
	Option      string   `json:"option,omitempty"`
	Amount      string   `json:"amount,omitempty"`
	Rank        int      `json:"rank,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

// NewGameEventMessage 由合约事件构造消息
func NewGameEventMessage(chainID int64, ev *contract.Event) (*GameEventMessage, error) {
	gameID := ev.GameID()
	if gameID == nil {
		return nil, fmt.Errorf("event %s has no payload", ev.ID())
	}

	msg := &GameEventMessage{
		MessageID:   uuid.New().String(),
		EventID:     ev.ID(),
		Kind:        ev.Kind.String(),
		ChainID:     chainID,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash.Hex(),
		LogIndex:    ev.LogIndex,
		GameID:      gameID.String(),
		Timestamp:   time.Now().UnixMilli(),
	}

	switch ev.Kind {
	case model.EventKindGameCreated:
		p := ev.GameCreated
		msg.Addresses = []string{normalize(p.Creator)}
		msg.OptionA = p.OptionA
		msg.OptionB = p.OptionB
		if p.Deadline != nil && p.Deadline.IsInt64() {
			msg.Deadline = p.Deadline.Int64() * 1000
		}
	case model.EventKindVoteCast:
		p := ev.VoteCast
		msg.Addresses = []string{normalize(p.Voter)}
		if option, ok := model.VoteOptionFromIndex(p.Option); ok {
			msg.Option = string(option)
		}
	case model.EventKindWinnersDrawn:
		p := ev.WinnersDrawn
		msg.Addresses = make([]string, 0, len(p.Winners))
		for _, w := range p.Winners {
			msg.Addresses = append(msg.Addresses, normalize(w))
		}
	case model.EventKindPrizeClaimed:
		p := ev.PrizeClaimed
		msg.Addresses = []string{normalize(p.Claimant)}
		msg.Amount = bigString(p.Amount)
		msg.Rank = int(p.Rank)
	}
	return msg, nil
}

func normalize(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// EventPublisher 事件发布器接口
type EventPublisher interface {
	PublishGameEvent(ctx context.Context, ev *contract.Event) error
}

// KafkaEventPublisher Kafka 事件发布器
type KafkaEventPublisher struct {
	producer *Producer
	chainID  int64
}

// NewKafkaEventPublisher 创建 Kafka 事件发布器
func NewKafkaEventPublisher(producer *Producer, chainID int64) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		producer: producer,
		chainID:  chainID,
	}
}

// PublishGameEvent 发布已落库的事件, 签名与事件处理器的提交后回调一致
func (p *KafkaEventPublisher) PublishGameEvent(ctx context.Context, ev *contract.Event) error {
	msg, err := NewGameEventMessage(p.chainID, ev)
	if err != nil {
		return err
	}
	return p.producer.SendGameEvent(ctx, msg)
}

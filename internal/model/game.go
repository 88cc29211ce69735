package model

import (
	"github.com/shopspring/decimal"
)

// Game 投票游戏 (ID 由合约分配)
type Game struct {
	ID          int64           `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	OptionA     string          `gorm:"column:option_a;type:varchar(255);not null" json:"option_a"`
	OptionB     string          `gorm:"column:option_b;type:varchar(255);not null" json:"option_b"`
	CreatedAt   int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	Deadline    int64           `gorm:"column:deadline;type:bigint;index;not null" json:"deadline"`
	CreatedBy   int64           `gorm:"column:created_by;type:bigint;not null" json:"created_by"`
	VoteCountA  int64           `gorm:"column:vote_count_a;type:bigint;not null;default:0" json:"vote_count_a"`
	VoteCountB  int64           `gorm:"column:vote_count_b;type:bigint;not null;default:0" json:"vote_count_b"`
	TotalPool   decimal.Decimal `gorm:"column:total_pool;type:numeric(78,0);not null;default:0" json:"total_pool"`
	IsChecked   bool            `gorm:"column:is_checked;type:boolean;not null;default:false" json:"is_checked"`
	FailMessage string          `gorm:"column:fail_message;type:text;not null;default:''" json:"fail_message"`
	FinalizedAt int64           `gorm:"column:finalized_at;type:bigint;not null;default:0" json:"finalized_at"`
	UpdatedAt   int64           `gorm:"column:updated_at;type:bigint;not null;default:0" json:"updated_at"`
}

// TableName 返回表名
func (Game) TableName() string {
	return "games"
}

// IsOpen 截止时间之前可投票
func (g *Game) IsOpen(nowMilli int64) bool {
	return g.Deadline > nowMilli
}

// GameTally 链上统计快照
type GameTally struct {
	VoteCountA int64
	VoteCountB int64
	TotalPool  decimal.Decimal
}

// VoteOption 投票选项
type VoteOption string

const (
	VoteOptionA VoteOption = "A"
	VoteOptionB VoteOption = "B"
)

// VoteOptionFromIndex 合约选项下标转换: 0 -> A, 1 -> B
func VoteOptionFromIndex(index uint8) (VoteOption, bool) {
	switch index {
	case 0:
		return VoteOptionA, true
	case 1:
		return VoteOptionB, true
	default:
		return "", false
	}
}

// Vote 投票记录, (game_id, user_id) 唯一
type Vote struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	GameID      int64      `gorm:"column:game_id;type:bigint;uniqueIndex:idx_votes_game_user;not null" json:"game_id"`
	UserID      int64      `gorm:"column:user_id;type:bigint;uniqueIndex:idx_votes_game_user;not null" json:"user_id"`
	Option      VoteOption `gorm:"column:option;type:varchar(1);not null" json:"option"`
	VotedAt     int64      `gorm:"column:voted_at;type:bigint;not null" json:"voted_at"`
	BlockNumber int64      `gorm:"column:block_number;type:bigint;not null;default:0" json:"block_number"`
}

// TableName 返回表名
func (Vote) TableName() string {
	return "votes"
}

// Winner 中奖记录, (game_id, user_id) 唯一, rank 从 1 开始
type Winner struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	GameID    int64           `gorm:"column:game_id;type:bigint;uniqueIndex:idx_game_winners_game_user;index:idx_game_winners_game_rank,priority:1;not null" json:"game_id"`
	UserID    int64           `gorm:"column:user_id;type:bigint;uniqueIndex:idx_game_winners_game_user;not null" json:"user_id"`
	Rank      int             `gorm:"column:rank;type:smallint;index:idx_game_winners_game_rank,priority:2;not null" json:"rank"`
	ClaimPool decimal.Decimal `gorm:"column:claim_pool;type:numeric(78,0);not null;default:0" json:"claim_pool"`
	IsClaimed bool            `gorm:"column:is_claimed;type:boolean;not null;default:false" json:"is_claimed"`
	ClaimedAt int64           `gorm:"column:claimed_at;type:bigint;not null;default:0" json:"claimed_at"`
}

// TableName 返回表名
func (Winner) TableName() string {
	return "game_winners"
}

// User 用户 (只读, 由 API 服务维护)
type User struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Address   string `gorm:"column:address;type:varchar(42);uniqueIndex;not null" json:"address"`
	Name      string `gorm:"column:name;type:varchar(42);not null;default:''" json:"name"`
	CreatedAt int64  `gorm:"column:created_at;type:bigint;not null;default:0" json:"created_at"`
}

// TableName 返回表名
func (User) TableName() string {
	return "users"
}

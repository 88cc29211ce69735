package model

// ChainCheckpoint 链同步检查点
// LastBlockNumber 表示该链上所有事件类型均已完整落库的最高区块, 只增不减
type ChainCheckpoint struct {
	ID              int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainID         int64  `gorm:"column:chain_id;type:bigint;uniqueIndex;not null" json:"chain_id"`
	ChainName       string `gorm:"column:chain_name;type:varchar(64);not null;default:''" json:"chain_name"`
	LastBlockNumber int64  `gorm:"column:last_block_number;type:bigint;not null" json:"last_block_number"`
	CreatedAt       int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt       int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (ChainCheckpoint) TableName() string {
	return "chain_checkpoints"
}

package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/balance-game/balance-game-backend/internal/model"
	"gorm.io/gorm"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository 用户只读仓储接口, 地址一律按小写比较
type UserRepository interface {
	FindByAddress(ctx context.Context, address string) (*model.User, error)
	// FindByAddresses 批量查询, 返回 小写地址 -> 用户, 未找到的地址不在结果中
	FindByAddresses(ctx context.Context, addresses []string) (map[string]*model.User, error)
}

// userRepository 用户仓储实现
type userRepository struct {
	*Repository
}

// NewUserRepository 创建用户仓储
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{
		Repository: NewRepository(db),
	}
}

// NormalizeAddress 地址规范化 (小写 0x 十六进制)
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func (r *userRepository) FindByAddress(ctx context.Context, address string) (*model.User, error) {
	var user model.User
	err := r.DB(ctx).Where("address = ?", NormalizeAddress(address)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) FindByAddresses(ctx context.Context, addresses []string) (map[string]*model.User, error) {
	result := make(map[string]*model.User, len(addresses))
	if len(addresses) == 0 {
		return result, nil
	}

	normalized := make([]string, 0, len(addresses))
	seen := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		n := NormalizeAddress(addr)
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		normalized = append(normalized, n)
	}

	var users []*model.User
	if err := r.DB(ctx).Where("address IN ?", normalized).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		result[NormalizeAddress(u.Address)] = u
	}
	return result, nil
}

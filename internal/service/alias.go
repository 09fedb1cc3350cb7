package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/storage"
)

var (
	// ErrPrefixInvalid 自定义前缀不合法
	ErrPrefixInvalid = errors.New("invalid alias prefix")
	// ErrAddressTaken 地址已被占用（包括已删除别名的墓碑）
	ErrAddressTaken = errors.New("alias address already taken")
	// ErrUserNotFound 用户不存在
	ErrUserNotFound = errors.New("user not found")
	// ErrUserInactive 用户已停用
	ErrUserInactive = errors.New("user is inactive")
	// ErrAliasNotFound 别名不存在
	ErrAliasNotFound = errors.New("alias not found")
	// ErrNotOwner 别名不属于该用户
	ErrNotOwner = errors.New("alias belongs to another user")
	// ErrNoMembers 保留别名至少需要一个成员
	ErrNoMembers = errors.New("reserved alias needs at least one member")
)

const (
	randomLocalPartLength = 12
	customSuffixLength    = 4
	maxPrefixLength       = 40
	maxGenerateAttempts   = 5
)

// prefixRegex 前缀只允许小写字母、数字、点、横线和下划线
var prefixRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9._-]*[a-z0-9])?$`)

// AliasStore AliasService 需要的存储能力
type AliasStore interface {
	storage.AliasRepository
	storage.ReservedAliasRepository
	storage.UserRepository
}

// AliasService 别名管理：随机别名、自定义别名、保留别名与删除。
type AliasService struct {
	store         AliasStore
	domain        string
	reservedLocal map[string]struct{} // 不能作为自定义前缀的本地部分
	verpPrefix    string
	logger        *zap.Logger

	mu            sync.Mutex
	random        *rand.Rand
	tokenAlphabet []rune
}

// AliasServiceConfig 别名服务配置
type AliasServiceConfig struct {
	Domain     string
	VERPPrefix string
}

// NewAliasService 创建别名业务服务。
func NewAliasService(store AliasStore, cfg AliasServiceConfig, logger *zap.Logger) *AliasService {
	if logger == nil {
		logger = zap.NewNop()
	}
	reserved := map[string]struct{}{}
	for _, l := range []string{"postmaster", "abuse", "mailer-daemon", "noreply", "no-reply", "hostmaster", "webmaster"} {
		reserved[l] = struct{}{}
	}
	return &AliasService{
		store:         store,
		domain:        strings.ToLower(cfg.Domain),
		reservedLocal: reserved,
		verpPrefix:    strings.ToLower(cfg.VERPPrefix),
		logger:        logger.Named("alias-service"),
		random:        rand.New(rand.NewSource(time.Now().UnixNano())),
		tokenAlphabet: []rune("abcdefghijkmnpqrstuvwxyz23456789"),
	}
}

// CreateAliasInput 定义创建别名的输入。Prefix 为空时生成随机别名。
type CreateAliasInput struct {
	UserID    string
	Prefix    string
	Overrides domain.PreferenceOverrides
}

// Create 为用户创建新别名。
func (s *AliasService) Create(ctx context.Context, input CreateAliasInput) (*domain.Alias, error) {
	user, err := s.store.GetUser(ctx, input.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}

	kind := domain.AliasKindRandom
	prefix := strings.ToLower(strings.TrimSpace(input.Prefix))
	if prefix != "" {
		if err := s.validatePrefix(prefix); err != nil {
			return nil, err
		}
		kind = domain.AliasKindCustom
	}

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		alias := &domain.Alias{
			ID:        uuid.NewString(),
			LocalPart: s.localPart(prefix),
			Domain:    s.domain,
			Kind:      kind,
			IsActive:  true,
			UserID:    user.ID,
			Overrides: input.Overrides,
		}
		err := s.store.SaveAlias(ctx, alias)
		if err == nil {
			s.logger.Info("alias created",
				zap.String("alias_id", alias.ID),
				zap.String("user_id", user.ID),
				zap.String("kind", string(kind)),
			)
			return alias, nil
		}
		if !errors.Is(err, storage.ErrAliasExists) {
			return nil, fmt.Errorf("save alias: %w", err)
		}
	}
	return nil, ErrAddressTaken
}

// SetActive 启用或停用别名。
func (s *AliasService) SetActive(ctx context.Context, userID, aliasID string, active bool) (*domain.Alias, error) {
	alias, err := s.owned(ctx, userID, aliasID)
	if err != nil {
		return nil, err
	}
	alias.IsActive = active
	if err := s.store.SaveAlias(ctx, alias); err != nil {
		return nil, fmt.Errorf("save alias: %w", err)
	}
	return alias, nil
}

// Delete 删除别名。地址写入墓碑，永不重新分配。
func (s *AliasService) Delete(ctx context.Context, userID, aliasID string) error {
	if _, err := s.owned(ctx, userID, aliasID); err != nil {
		return err
	}
	if err := s.store.DeleteAlias(ctx, aliasID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrAliasNotFound
		}
		return fmt.Errorf("delete alias: %w", err)
	}
	s.logger.Info("alias deleted", zap.String("alias_id", aliasID), zap.String("user_id", userID))
	return nil
}

// List 返回用户的全部别名。
func (s *AliasService) List(ctx context.Context, userID string) ([]*domain.Alias, error) {
	return s.store.ListAliasesByUser(ctx, userID)
}

// CreateReservedInput 定义创建保留别名的输入。
type CreateReservedInput struct {
	LocalPart    string
	MemberEmails []string
	Overrides    domain.PreferenceOverrides
}

// CreateReserved 创建保留别名，成员按真实邮箱查找。
// 保留别名可以使用系统保留的本地部分（例如 postmaster）。
func (s *AliasService) CreateReserved(ctx context.Context, input CreateReservedInput) (*domain.ReservedAlias, error) {
	local := strings.ToLower(strings.TrimSpace(input.LocalPart))
	if err := domain.ValidateLocalPart(local, domain.MaxLocalPartLength); err != nil {
		return nil, ErrPrefixInvalid
	}
	if len(input.MemberEmails) == 0 {
		return nil, ErrNoMembers
	}

	members := make([]domain.User, 0, len(input.MemberEmails))
	for _, email := range input.MemberEmails {
		user, err := s.store.GetUserByEmail(ctx, domain.SanitizeAddress(email))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrUserNotFound, email)
			}
			return nil, fmt.Errorf("get member: %w", err)
		}
		members = append(members, *user)
	}

	alias := &domain.ReservedAlias{
		ID:        uuid.NewString(),
		LocalPart: local,
		Domain:    s.domain,
		IsActive:  true,
		Overrides: input.Overrides,
		Members:   members,
	}
	if err := s.store.SaveReservedAlias(ctx, alias); err != nil {
		if errors.Is(err, storage.ErrAliasExists) {
			return nil, ErrAddressTaken
		}
		return nil, fmt.Errorf("save reserved alias: %w", err)
	}
	s.logger.Info("reserved alias created", zap.String("address", alias.Address()), zap.Int("members", len(members)))
	return alias, nil
}

func (s *AliasService) owned(ctx context.Context, userID, aliasID string) (*domain.Alias, error) {
	alias, err := s.store.GetAlias(ctx, aliasID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAliasNotFound
		}
		return nil, fmt.Errorf("get alias: %w", err)
	}
	if alias.UserID != userID {
		return nil, ErrNotOwner
	}
	return alias, nil
}

// validatePrefix 前缀不能与转发地址编码、退信地址或系统地址冲突
func (s *AliasService) validatePrefix(prefix string) error {
	if len(prefix) > maxPrefixLength || !prefixRegex.MatchString(prefix) {
		return ErrPrefixInvalid
	}
	if strings.Contains(prefix, "_at_") {
		return ErrPrefixInvalid
	}
	if s.verpPrefix != "" && strings.HasPrefix(prefix, s.verpPrefix) {
		return ErrPrefixInvalid
	}
	if _, ok := s.reservedLocal[prefix]; ok {
		return ErrPrefixInvalid
	}
	return nil
}

// localPart 随机别名取 uuid 前 12 位，自定义别名为 前缀.随机后缀
func (s *AliasService) localPart(prefix string) string {
	if prefix == "" {
		base := strings.ToLower(strings.ReplaceAll(uuid.NewString(), "-", ""))
		return base[:randomLocalPartLength]
	}
	return prefix + "." + s.generateToken(customSuffixLength)
}

// generateToken 生成随机后缀。
func (s *AliasService) generateToken(length int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := make([]rune, length)
	for i := 0; i < length; i++ {
		b[i] = s.tokenAlphabet[s.random.Intn(len(s.tokenAlphabet))]
	}
	return string(b)
}

package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/storage"
)

// Store 使用内存保存别名、用户与统计数据，主要用于开发验证和测试。
type Store struct {
	mu        sync.RWMutex
	aliases   map[string]*domain.Alias // aliasID -> alias
	byAddress map[string]string        // address -> aliasID
	reserved  map[string]*domain.ReservedAlias
	tombstone map[string]*domain.DeletedAlias // address -> tombstone
	users     map[string]*domain.User
	byEmail   map[string]string
	reports   map[string][]domain.StoredReport // userID -> reports
	stats     domain.Statistics
	nextTomb  uint
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		aliases:   make(map[string]*domain.Alias),
		byAddress: make(map[string]string),
		reserved:  make(map[string]*domain.ReservedAlias),
		tombstone: make(map[string]*domain.DeletedAlias),
		users:     make(map[string]*domain.User),
		byEmail:   make(map[string]string),
		reports:   make(map[string][]domain.StoredReport),
		stats:     domain.Statistics{ID: domain.StatisticsRowID},
	}
}

func key(address string) string {
	return strings.ToLower(address)
}

// GetAlias 根据 ID 获取别名。
func (s *Store) GetAlias(_ context.Context, id string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alias, ok := s.aliases[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *alias
	return &cp, nil
}

// GetAliasByAddress 根据完整地址获取别名。
func (s *Store) GetAliasByAddress(_ context.Context, address string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[key(address)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s.aliases[id]
	return &cp, nil
}

// ListAliasesByUser 返回用户的全部别名，按创建时间排序。
func (s *Store) ListAliasesByUser(_ context.Context, userID string) ([]*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Alias
	for _, alias := range s.aliases {
		if alias.UserID == userID {
			cp := *alias
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AddressExists 检查地址是否已被占用。
func (s *Store) AddressExists(_ context.Context, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addressTakenLocked(key(address)), nil
}

func (s *Store) addressTakenLocked(k string) bool {
	if _, ok := s.byAddress[k]; ok {
		return true
	}
	if _, ok := s.reserved[k]; ok {
		return true
	}
	_, ok := s.tombstone[k]
	return ok
}

// SaveAlias 保存别名。
func (s *Store) SaveAlias(_ context.Context, alias *domain.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(alias.Address())
	now := time.Now().UTC()

	if existing, ok := s.aliases[alias.ID]; ok {
		// 地址不可变更
		if key(existing.Address()) != k {
			return storage.ErrAliasExists
		}
	} else {
		if s.addressTakenLocked(k) {
			return storage.ErrAliasExists
		}
		if alias.CreatedAt.IsZero() {
			alias.CreatedAt = now
		}
	}
	alias.UpdatedAt = now

	cp := *alias
	s.aliases[alias.ID] = &cp
	s.byAddress[k] = alias.ID
	return nil
}

// DeleteAlias 删除别名并写入墓碑。
func (s *Store) DeleteAlias(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alias, ok := s.aliases[id]
	if !ok {
		return storage.ErrNotFound
	}
	k := key(alias.Address())
	delete(s.aliases, id)
	delete(s.byAddress, k)

	s.nextTomb++
	s.tombstone[k] = &domain.DeletedAlias{
		ID:        s.nextTomb,
		LocalPart: alias.LocalPart,
		Domain:    alias.Domain,
		AliasID:   alias.ID,
		UserID:    alias.UserID,
		DeletedAt: time.Now().UTC(),
	}
	return nil
}

// GetReservedAliasByAddress 根据地址获取保留别名。
func (s *Store) GetReservedAliasByAddress(_ context.Context, address string) (*domain.ReservedAlias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reserved[key(address)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r
	cp.Members = append([]domain.User(nil), r.Members...)
	return &cp, nil
}

// SaveReservedAlias 保存保留别名。
func (s *Store) SaveReservedAlias(_ context.Context, alias *domain.ReservedAlias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(alias.Address())
	if existing, ok := s.reserved[k]; !ok || existing.ID != alias.ID {
		if s.addressTakenLocked(k) {
			return storage.ErrAliasExists
		}
	}

	now := time.Now().UTC()
	if alias.CreatedAt.IsZero() {
		alias.CreatedAt = now
	}
	alias.UpdatedAt = now

	cp := *alias
	cp.Members = append([]domain.User(nil), alias.Members...)
	s.reserved[k] = &cp
	return nil
}

// GetUser 根据 ID 获取用户。
func (s *Store) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

// GetUserByEmail 根据真实邮箱获取用户。
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	id, ok := s.byEmail[key(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.GetUser(ctx, id)
}

// SaveUser 新建或更新用户。
func (s *Store) SaveUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if old, ok := s.users[user.ID]; ok {
		delete(s.byEmail, key(old.Email))
	} else if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	cp := *user
	s.users[user.ID] = &cp
	s.byEmail[key(user.Email)] = user.ID
	return nil
}

// SaveReport 保存加密报告。
func (s *Store) SaveReport(_ context.Context, report *domain.StoredReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	s.reports[report.UserID] = append(s.reports[report.UserID], *report)
	return nil
}

// ListReports 返回用户最近的报告，新的在前。
func (s *Store) ListReports(_ context.Context, userID string, limit int) ([]domain.StoredReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.reports[userID]
	out := make([]domain.StoredReport, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// IncrementStatistics 原子地累加统计。
func (s *Store) IncrementStatistics(_ context.Context, delta domain.StatisticsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.SentEmails += delta.SentEmails
	s.stats.ProxiedImages += delta.ProxiedImages
	s.stats.ExpandedURLs += delta.ExpandedURLs
	s.stats.RemovedTrackers += delta.RemovedTrackers
	s.stats.UpdatedAt = time.Now().UTC()
	return nil
}

// GetStatistics 返回统计快照。
func (s *Store) GetStatistics(_ context.Context) (*domain.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := s.stats
	return &cp, nil
}

// Ping 内存存储始终可用
func (s *Store) Ping(context.Context) error {
	return nil
}

// Close 关闭存储。
func (s *Store) Close() error {
	return nil
}

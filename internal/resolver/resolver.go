// Package resolver 把收件地址解析为路由目标。
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/storage"
)

// Target 路由目标，取值为 AliasTarget、ReservedAliasTarget、OutsideForwardTarget 或 NotFound
type Target interface {
	target()
}

// AliasTarget 外部 → 别名
type AliasTarget struct {
	Alias       *domain.Alias
	Owner       *domain.User
	Preferences domain.Preferences
}

// ReservedAliasTarget 外部 → 保留别名，分发给每个启用的成员
type ReservedAliasTarget struct {
	Alias   *domain.ReservedAlias
	Members []domain.User
}

// PreferencesFor 成员的生效偏好
func (t *ReservedAliasTarget) PreferencesFor(member *domain.User) domain.Preferences {
	return t.Alias.Overrides.Apply(member.Defaults)
}

// OutsideForwardTarget 别名 → 外部
type OutsideForwardTarget struct {
	AliasID      string
	AliasAddress string
	Outside      string
	Sender       *domain.User
}

// NotFound 无法解析的地址
type NotFound struct {
	Address string
}

func (*AliasTarget) target()          {}
func (*ReservedAliasTarget) target()  {}
func (*OutsideForwardTarget) target() {}
func (*NotFound) target()             {}

// Resolver 别名解析器
type Resolver struct {
	store       storage.Store
	relayDomain string
	validator   *domain.EmailValidator
	logger      *zap.Logger
}

// New 创建解析器
func New(store storage.Store, relayDomain string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:       store,
		relayDomain: strings.ToLower(relayDomain),
		validator:   domain.NewEmailValidator(relayDomain),
		logger:      logger.Named("resolver"),
	}
}

// Resolve 按固定顺序解析收件地址：转发编码、保留别名、普通别名。
//
// sender 是信封发件人，只在转发编码地址上用于所有权校验。
// 返回的 error 为 *domain.RelayError 或存储层的基础设施错误。
func (r *Resolver) Resolve(ctx context.Context, rcpt, sender string) (Target, error) {
	addr, err := domain.SplitAddress(rcpt)
	if err != nil {
		return nil, domain.NewRelayError(domain.KindInvalidEmail, rcpt, err)
	}
	if !strings.EqualFold(addr.Domain, r.relayDomain) {
		return &NotFound{Address: rcpt}, nil
	}

	fwd, err := ParseForwardLocalPart(addr.LocalPart)
	switch {
	case err == nil:
		return r.resolveForward(ctx, rcpt, fwd, sender)
	case errors.Is(err, ErrMalformedForward):
		return nil, domain.NewRelayError(domain.KindInvalidEmail, rcpt, err)
	}

	address := domain.JoinAddress(addr.LocalPart, r.relayDomain)

	reserved, err := r.store.GetReservedAliasByAddress(ctx, address)
	switch {
	case err == nil:
		if !reserved.IsActive {
			return nil, domain.NewRelayError(domain.KindAliasDisabled, rcpt, nil)
		}
		members := activeMembers(reserved.Members)
		if len(members) == 0 {
			return nil, domain.NewRelayError(domain.KindAliasDisabled, rcpt, errors.New("no active members"))
		}
		return &ReservedAliasTarget{Alias: reserved, Members: members}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("lookup reserved alias: %w", err)
	}

	alias, err := r.store.GetAliasByAddress(ctx, address)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &NotFound{Address: rcpt}, nil
	case err != nil:
		return nil, fmt.Errorf("lookup alias: %w", err)
	}
	if !alias.IsActive {
		return nil, domain.NewRelayError(domain.KindAliasDisabled, rcpt, nil)
	}

	owner, err := r.owner(ctx, alias)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return &NotFound{Address: rcpt}, nil
	}
	if !owner.IsActive {
		return nil, domain.NewRelayError(domain.KindAliasDisabled, rcpt, errors.New("owner inactive"))
	}

	return &AliasTarget{
		Alias:       alias,
		Owner:       owner,
		Preferences: alias.Overrides.Apply(owner.Defaults),
	}, nil
}

func (r *Resolver) resolveForward(ctx context.Context, rcpt string, fwd *ForwardAddress, sender string) (Target, error) {
	if err := r.validator.ValidateEmail(fwd.Outside); err != nil {
		return nil, domain.NewRelayError(domain.KindInvalidEmail, rcpt, err)
	}

	aliasAddress := domain.JoinAddress(fwd.AliasLocal, r.relayDomain)
	sender = strings.ToLower(sender)

	reserved, err := r.store.GetReservedAliasByAddress(ctx, aliasAddress)
	switch {
	case err == nil:
		if !reserved.IsActive {
			return nil, domain.NewRelayError(domain.KindAliasDisabled, rcpt, nil)
		}
		member, ok := reserved.Member(sender)
		if !ok || !member.IsActive {
			return nil, domain.NewRelayError(domain.KindAliasNotYours, rcpt, nil)
		}
		return &OutsideForwardTarget{
			AliasID:      reserved.ID,
			AliasAddress: reserved.Address(),
			Outside:      fwd.Outside,
			Sender:       member,
		}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("lookup reserved alias: %w", err)
	}

	alias, err := r.store.GetAliasByAddress(ctx, aliasAddress)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &NotFound{Address: rcpt}, nil
	case err != nil:
		return nil, fmt.Errorf("lookup alias: %w", err)
	}

	owner, err := r.owner(ctx, alias)
	if err != nil {
		return nil, err
	}
	// 所有权不符与别名不存在对外返回同样的结果
	if owner == nil || !strings.EqualFold(owner.Email, sender) {
		return nil, domain.NewRelayError(domain.KindAliasNotYours, rcpt, nil)
	}
	if !alias.IsActive || !owner.IsActive {
		return nil, domain.NewRelayError(domain.KindAliasDisabled, rcpt, nil)
	}

	return &OutsideForwardTarget{
		AliasID:      alias.ID,
		AliasAddress: alias.Address(),
		Outside:      fwd.Outside,
		Sender:       owner,
	}, nil
}

// owner 加载别名拥有者，拥有者不存在时返回 nil
func (r *Resolver) owner(ctx context.Context, alias *domain.Alias) (*domain.User, error) {
	owner, err := r.store.GetUser(ctx, alias.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("alias owner missing", zap.String("alias_id", alias.ID), zap.String("user_id", alias.UserID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup owner: %w", err)
	}
	return owner, nil
}

func activeMembers(members []domain.User) []domain.User {
	out := make([]domain.User, 0, len(members))
	for _, m := range members {
		if m.IsActive {
			out = append(out, m)
		}
	}
	return out
}

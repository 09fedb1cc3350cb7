package domain

import (
	"strings"
	"time"
)

// AliasKind 别名类型
type AliasKind string

const (
	AliasKindRandom AliasKind = "random" // 随机生成的本地部分
	AliasKindCustom AliasKind = "custom" // 用户自定义前缀 + 随机后缀
)

// ImageFormat 代理图片的目标格式
type ImageFormat string

const (
	ImageFormatOriginal ImageFormat = "original"
	ImageFormatJPEG     ImageFormat = "jpeg"
	ImageFormatPNG      ImageFormat = "png"
)

// Valid 判断格式是否受支持
func (f ImageFormat) Valid() bool {
	switch f {
	case ImageFormatOriginal, ImageFormatJPEG, ImageFormatPNG:
		return true
	}
	return false
}

// Preferences 内容处理偏好（用户默认值或别名生效值）
type Preferences struct {
	RemoveTrackers bool        `json:"removeTrackers"`
	ProxyImages    bool        `json:"proxyImages"`
	ExpandURLs     bool        `json:"expandUrls"`
	ImageFormat    ImageFormat `json:"imageFormat" gorm:"type:varchar(16)"`
	UserAgent      string      `json:"userAgent" gorm:"type:varchar(512)"`
}

// DefaultPreferences 新用户的默认偏好
func DefaultPreferences() Preferences {
	return Preferences{
		RemoveTrackers: true,
		ProxyImages:    true,
		ExpandURLs:     true,
		ImageFormat:    ImageFormatOriginal,
	}
}

// PreferenceOverrides 别名级别的覆盖项，nil 表示继承用户默认值
type PreferenceOverrides struct {
	RemoveTrackers *bool        `json:"removeTrackers,omitempty"`
	ProxyImages    *bool        `json:"proxyImages,omitempty"`
	ExpandURLs     *bool        `json:"expandUrls,omitempty"`
	ImageFormat    *ImageFormat `json:"imageFormat,omitempty" gorm:"type:varchar(16)"`
	UserAgent      *string      `json:"userAgent,omitempty" gorm:"type:varchar(512)"`
}

// Apply 在 base 之上应用覆盖项，返回生效偏好
func (o PreferenceOverrides) Apply(base Preferences) Preferences {
	out := base
	if o.RemoveTrackers != nil {
		out.RemoveTrackers = *o.RemoveTrackers
	}
	if o.ProxyImages != nil {
		out.ProxyImages = *o.ProxyImages
	}
	if o.ExpandURLs != nil {
		out.ExpandURLs = *o.ExpandURLs
	}
	if o.ImageFormat != nil && o.ImageFormat.Valid() {
		out.ImageFormat = *o.ImageFormat
	}
	if o.UserAgent != nil {
		out.UserAgent = *o.UserAgent
	}
	if !out.ImageFormat.Valid() {
		out.ImageFormat = ImageFormatOriginal
	}
	return out
}

// Alias 表示一个转发别名。
// (LocalPart, Domain) 在别名、保留别名和墓碑之间全局唯一。
type Alias struct {
	ID        string              `json:"id" gorm:"primaryKey;type:varchar(36)"`
	LocalPart string              `json:"localPart" gorm:"type:varchar(64);uniqueIndex:idx_alias_address;not null"`
	Domain    string              `json:"domain" gorm:"type:varchar(255);uniqueIndex:idx_alias_address;not null"`
	Kind      AliasKind           `json:"kind" gorm:"type:varchar(16);not null"`
	IsActive  bool                `json:"isActive"`
	UserID    string              `json:"userId" gorm:"type:varchar(36);index;not null"`
	Overrides PreferenceOverrides `json:"overrides" gorm:"embedded;embeddedPrefix:pref_"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// Address 返回完整地址
func (a *Alias) Address() string {
	return JoinAddress(a.LocalPart, a.Domain)
}

// ReservedAlias 管理员维护的多用户别名（类似邮件列表）
type ReservedAlias struct {
	ID        string              `json:"id" gorm:"primaryKey;type:varchar(36)"`
	LocalPart string              `json:"localPart" gorm:"type:varchar(64);uniqueIndex:idx_reserved_address;not null"`
	Domain    string              `json:"domain" gorm:"type:varchar(255);uniqueIndex:idx_reserved_address;not null"`
	IsActive  bool                `json:"isActive"`
	Overrides PreferenceOverrides `json:"overrides" gorm:"embedded;embeddedPrefix:pref_"`
	Members   []User              `json:"members" gorm:"many2many:reserved_alias_members;"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// Address 返回完整地址
func (r *ReservedAlias) Address() string {
	return JoinAddress(r.LocalPart, r.Domain)
}

// Member 按真实邮箱查找成员
func (r *ReservedAlias) Member(mailbox string) (*User, bool) {
	for i := range r.Members {
		if strings.EqualFold(r.Members[i].Email, mailbox) {
			return &r.Members[i], true
		}
	}
	return nil, false
}

// DeletedAlias 已删除别名的墓碑记录，地址永不重新分配
type DeletedAlias struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	LocalPart string    `json:"localPart" gorm:"type:varchar(64);uniqueIndex:idx_deleted_address;not null"`
	Domain    string    `json:"domain" gorm:"type:varchar(255);uniqueIndex:idx_deleted_address;not null"`
	AliasID   string    `json:"aliasId" gorm:"type:varchar(36);index"`
	UserID    string    `json:"userId" gorm:"type:varchar(36)"`
	DeletedAt time.Time `json:"deletedAt"`
}

// Address 返回完整地址
func (d *DeletedAlias) Address() string {
	return JoinAddress(d.LocalPart, d.Domain)
}

package domain

import (
	"encoding/base64"
	"time"
)

// PublicKeySize Curve25519 公钥长度
const PublicKeySize = 32

// User 别名的拥有者，Email 为真实邮箱
type User struct {
	ID           string      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Email        string      `json:"email" gorm:"uniqueIndex;type:varchar(255);not null"`
	IsActive     bool        `json:"isActive"`
	Defaults     Preferences `json:"defaults" gorm:"embedded;embeddedPrefix:default_"`
	StoreReports bool        `json:"storeReports"`                         // 是否保存加密的处理报告
	PublicKey    string      `json:"publicKey,omitempty" gorm:"type:text"` // base64 编码的 Curve25519 公钥
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// ReportKey 返回可用的报告加密公钥
func (u *User) ReportKey() (*[PublicKeySize]byte, bool) {
	if !u.StoreReports || u.PublicKey == "" {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(u.PublicKey)
	if err != nil || len(raw) != PublicKeySize {
		return nil, false
	}
	var key [PublicKeySize]byte
	copy(key[:], raw)
	return &key, true
}

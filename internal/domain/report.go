package domain

import "time"

// ProxiedImage 被改写为代理地址的图片
type ProxiedImage struct {
	OriginalURL string    `json:"originalUrl"`
	ProxyURL    string    `json:"proxyUrl"`
	At          time.Time `json:"at"`
}

// RemovedTracker 被移除的追踪元素
type RemovedTracker struct {
	Source      string `json:"source"`
	TrackerName string `json:"trackerName"`
	TrackerURL  string `json:"trackerUrl,omitempty"`
}

// ExpandedURL 被展开的短链接
type ExpandedURL struct {
	OriginalURL string   `json:"originalUrl"`
	ExpandedURL string   `json:"expandedUrl"`
	Trackers    []string `json:"trackers,omitempty"` // 展开后 URL 中检测到的追踪参数
}

// EmailReport 单封邮件处理过程中的活动记录，处理结束后丢弃或交给持久化
type EmailReport struct {
	AliasID         string           `json:"aliasId"`
	MessageID       string           `json:"messageId,omitempty"`
	ProxiedImages   []ProxiedImage   `json:"proxiedImages,omitempty"`
	RemovedTrackers []RemovedTracker `json:"removedTrackers,omitempty"`
	ExpandedURLs    []ExpandedURL    `json:"expandedUrls,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// NewEmailReport 创建空报告
func NewEmailReport(aliasID string) *EmailReport {
	return &EmailReport{AliasID: aliasID, CreatedAt: time.Now().UTC()}
}

// Empty 是否没有任何改动
func (r *EmailReport) Empty() bool {
	return len(r.ProxiedImages) == 0 && len(r.RemovedTrackers) == 0 && len(r.ExpandedURLs) == 0
}

// Merge 合并另一个报告（多段 MIME 各自处理后汇总）
func (r *EmailReport) Merge(o *EmailReport) {
	if o == nil {
		return
	}
	r.ProxiedImages = append(r.ProxiedImages, o.ProxiedImages...)
	r.RemovedTrackers = append(r.RemovedTrackers, o.RemovedTrackers...)
	r.ExpandedURLs = append(r.ExpandedURLs, o.ExpandedURLs...)
}

// Delta 转换为一封已转发邮件的统计增量
func (r *EmailReport) Delta() StatisticsDelta {
	d := StatisticsDelta{SentEmails: 1}
	if r == nil {
		return d
	}
	d.ProxiedImages = int64(len(r.ProxiedImages))
	d.ExpandedURLs = int64(len(r.ExpandedURLs))
	d.RemovedTrackers = int64(len(r.RemovedTrackers))
	return d
}

// StoredReport 加密保存的报告
type StoredReport struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID     string    `json:"userId" gorm:"type:varchar(36);index;not null"`
	AliasID    string    `json:"aliasId" gorm:"type:varchar(36);index"`
	Ciphertext []byte    `json:"ciphertext"`
	CreatedAt  time.Time `json:"createdAt"`
}

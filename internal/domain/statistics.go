package domain

import "time"

// StatisticsRowID 全局统计行的固定主键
const StatisticsRowID = 1

// Statistics 全局累计计数，只增不减
type Statistics struct {
	ID              uint      `json:"-" gorm:"primaryKey"`
	SentEmails      int64     `json:"sentEmails" gorm:"not null;default:0"`
	ProxiedImages   int64     `json:"proxiedImages" gorm:"not null;default:0"`
	ExpandedURLs    int64     `json:"expandedUrls" gorm:"column:expanded_urls;not null;default:0"`
	RemovedTrackers int64     `json:"removedTrackers" gorm:"not null;default:0"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (Statistics) TableName() string {
	return "relay_statistics"
}

// StatisticsDelta 单次处理的增量
type StatisticsDelta struct {
	SentEmails      int64
	ProxiedImages   int64
	ExpandedURLs    int64
	RemovedTrackers int64
}

// IsZero 增量是否为空
func (d StatisticsDelta) IsZero() bool {
	return d.SentEmails == 0 && d.ProxiedImages == 0 && d.ExpandedURLs == 0 && d.RemovedTrackers == 0
}

// Add 累加另一个增量
func (d StatisticsDelta) Add(o StatisticsDelta) StatisticsDelta {
	return StatisticsDelta{
		SentEmails:      d.SentEmails + o.SentEmails,
		ProxiedImages:   d.ProxiedImages + o.ProxiedImages,
		ExpandedURLs:    d.ExpandedURLs + o.ExpandedURLs,
		RemovedTrackers: d.RemovedTrackers + o.RemovedTrackers,
	}
}

package filesystem

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrImageNotFound 缓存中没有该图片
var ErrImageNotFound = errors.New("image not found")

// Store 代理图片的文件系统缓存。
// 相对路径格式为 {aliasID}/{format}/{sha256}，同一别名同一格式同一 URL 只存一份。
type Store struct {
	basePath      string
	platformUtils *PlatformUtils
}

// NewStore 创建文件系统存储实例
func NewStore(basePath string) (*Store, error) {
	platformUtils := NewPlatformUtils()

	if err := platformUtils.ValidatePath(basePath); err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}

	normalizedPath := platformUtils.NormalizePath(basePath)
	if err := os.MkdirAll(normalizedPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Store{
		basePath:      normalizedPath,
		platformUtils: platformUtils,
	}, nil
}

// resolve 把相对路径转换为磁盘路径，拒绝任何越界的段
func (s *Store) resolve(relPath string) (string, error) {
	segments := strings.Split(relPath, "/")
	if len(segments) != 3 {
		return "", fmt.Errorf("invalid image path: %q", relPath)
	}
	for _, seg := range segments {
		if !s.platformUtils.IsValidFilename(seg) || strings.Contains(seg, "..") {
			return "", fmt.Errorf("invalid image path segment: %q", seg)
		}
	}
	return filepath.Join(append([]string{s.basePath}, segments...)...), nil
}

// Put 写入图片，先写临时文件再重命名
func (s *Store) Put(relPath string, data []byte) error {
	path, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create image directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write image: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to store image: %w", err)
	}
	return nil
}

// Get 读取图片及其内容类型
func (s *Store) Get(relPath string) ([]byte, string, error) {
	path, err := s.resolve(relPath)
	if err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrImageNotFound
		}
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}
	return data, http.DetectContentType(data), nil
}

// DeleteAlias 删除别名的全部缓存图片
func (s *Store) DeleteAlias(aliasID string) error {
	if !s.platformUtils.IsValidFilename(aliasID) || strings.Contains(aliasID, "..") {
		return fmt.Errorf("invalid alias id: %q", aliasID)
	}
	return os.RemoveAll(filepath.Join(s.basePath, aliasID))
}

// CleanupExpired 清理修改时间早于 maxAge 的图片
func (s *Store) CleanupExpired(maxAge time.Duration) (int, error) {
	count := 0
	cutoff := time.Now().Add(-maxAge)

	err := filepath.Walk(s.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // 跳过错误，继续遍历
		}
		if info.IsDir() || !info.ModTime().Before(cutoff) {
			return nil
		}
		if os.Remove(path) == nil {
			count++
		}
		return nil
	})
	return count, err
}

// GetStorageStats 获取存储统计信息
func (s *Store) GetStorageStats() (map[string]interface{}, error) {
	var totalSize int64
	var imageCount int

	err := filepath.Walk(s.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			totalSize += info.Size()
			imageCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"total_size_bytes": totalSize,
		"total_size_mb":    float64(totalSize) / 1024 / 1024,
		"image_count":      imageCount,
		"base_path":        s.basePath,
	}, nil
}

package filesystem

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// PlatformUtils 平台兼容性工具
type PlatformUtils struct{}

// NewPlatformUtils 创建平台工具实例
func NewPlatformUtils() *PlatformUtils {
	return &PlatformUtils{}
}

// getInvalidChars 获取当前平台不允许的字符
func (p *PlatformUtils) getInvalidChars() []string {
	switch runtime.GOOS {
	case "darwin", "linux":
		return []string{"/", "\x00"}
	default:
		// 保守处理，移除所有可能的问题字符
		return []string{"<", ">", ":", "\"", "|", "?", "*", "\\", "/", "\x00"}
	}
}

// ValidatePath 验证路径是否安全
func (p *PlatformUtils) ValidatePath(path string) error {
	if len(path) > 2000 {
		return fmt.Errorf("path too long: %d characters", len(path))
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal detected: %s", path)
	}
	return nil
}

// GetMaxPathLength 获取当前平台的最大路径长度
func (p *PlatformUtils) GetMaxPathLength() int {
	switch runtime.GOOS {
	case "darwin", "linux":
		return 400
	default:
		return 200
	}
}

// IsCaseSensitive 检查当前文件系统是否大小写敏感
func (p *PlatformUtils) IsCaseSensitive() bool {
	return runtime.GOOS != "windows"
}

// NormalizePath 标准化路径
func (p *PlatformUtils) NormalizePath(path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	cleanPath := filepath.Clean(absPath)
	if !p.IsCaseSensitive() {
		cleanPath = strings.ToLower(cleanPath)
	}
	return cleanPath
}

// IsValidFilename 检查单个路径段是否有效
func (p *PlatformUtils) IsValidFilename(filename string) bool {
	if filename == "" {
		return false
	}

	// 不能只包含空格和点
	if strings.Trim(filename, " .") == "" {
		return false
	}

	for _, char := range p.getInvalidChars() {
		if strings.Contains(filename, char) {
			return false
		}
	}

	return len(filename) <= p.GetMaxPathLength()
}

package service

import (
	"errors"
	"fmt"
	"path/filepath"
	"syscall"
)

// ErrDiskExhausted 可用磁盘空间低于阈值，任务不会开始
var ErrDiskExhausted = errors.New("磁盘空间不足")

// FreeSpaceFunc 返回 path 所在文件系统的可用字节数
type FreeSpaceFunc func(path string) (uint64, error)

// StatfsFreeSpace 通过 statfs 获取可用空间
func StatfsFreeSpace(path string) (uint64, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("获取绝对路径失败: %w", err)
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(abs, &stat); err != nil {
		return 0, fmt.Errorf("获取文件系统信息失败: %w", err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

const bytesPerGB = 1 << 30

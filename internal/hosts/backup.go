package hosts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/winspan/kooixhost/pkg/utils"
)

const backupTimeLayout = "20060102_150405"

// BackupInfo 备份文件信息
type BackupInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

func backupDir(hostsPath, dir string) string {
	if dir == "" {
		return filepath.Dir(hostsPath)
	}
	return dir
}

func backupPrefix(hostsPath string) string {
	return filepath.Base(hostsPath) + ".backup_"
}

// Backup 备份 hosts 文件，返回备份路径
func Backup(hostsPath, dir string, now time.Time) (string, error) {
	name := backupPrefix(hostsPath) + now.Format(backupTimeLayout)
	dst := filepath.Join(backupDir(hostsPath, dir), name)

	if err := utils.CopyFile(hostsPath, dst); err != nil {
		return "", fmt.Errorf("无法备份 hosts 文件到 %s: %w", dst, err)
	}
	return dst, nil
}

// ListBackups 列出备份文件，最新的在前
func ListBackups(hostsPath, dir string) ([]BackupInfo, error) {
	dir = backupDir(hostsPath, dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取备份目录失败: %w", err)
	}

	prefix := backupPrefix(hostsPath)
	var backups []BackupInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Name:     e.Name(),
			Path:     filepath.Join(dir, e.Name()),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}

	// 时间戳格式固定，按名称倒序即按时间倒序
	sort.Slice(backups, func(i, j int) bool { return backups[i].Name > backups[j].Name })
	return backups, nil
}

// PruneBackups 只保留最新的 keep 个备份，keep <= 0 不清理
func PruneBackups(hostsPath, dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	backups, err := ListBackups(hostsPath, dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, b := range backups[min(keep, len(backups)):] {
		if err := os.Remove(b.Path); err != nil {
			return removed, fmt.Errorf("删除备份 %s 失败: %w", b.Name, err)
		}
		removed++
	}
	return removed, nil
}

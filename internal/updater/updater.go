package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/winspan/kooixhost/internal/config"
	"github.com/winspan/kooixhost/internal/hosts"
	"github.com/winspan/kooixhost/internal/storage"
	"github.com/winspan/kooixhost/pkg/logger"
)

// ErrNoSourceContent 所有启用的订阅源都获取失败，hosts 文件保持不变
var ErrNoSourceContent = errors.New("所有启用的订阅源均获取失败")

// Collector 聚合订阅源内容
type Collector interface {
	Collect(ctx context.Context, sources []hosts.HostSource) hosts.AggregateResult
}

// RunRecorder 保存更新记录
type RunRecorder interface {
	SaveRun(ctx context.Context, run storage.Run) error
}

// Report 一次成功更新的结果
type Report struct {
	ID         string               `json:"id"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Sources    []hosts.SourceResult `json:"sources"`
	Bytes      int                  `json:"bytes"`
	BackupPath string               `json:"backup_path,omitempty"`
	HostsPath  string               `json:"hosts_path"`
}

// Updater 执行“聚合 -> 合并 -> 备份 -> 写入”的完整更新流程
type Updater struct {
	Store      *config.Store
	Aggregator Collector
	Writer     hosts.Writer
	HostsPath  string
	BackupDir  string
	MaxBackups int
	History    RunRecorder
	Log        *logger.Logger
	Timeout    time.Duration // 单次更新的最长执行时间，不随调用方取消，0 表示不限
	Clock      func() time.Time

	group singleflight.Group
}

func (u *Updater) now() time.Time {
	if u.Clock != nil {
		return u.Clock()
	}
	return time.Now()
}

// Update 从订阅源更新 hosts 文件，并发调用共享同一次执行。
// 调用方的 ctx 只决定它自己等待多久，正在进行的更新不会因此中断。
func (u *Updater) Update(ctx context.Context) (*Report, error) {
	ch := u.group.DoChan("update", func() (interface{}, error) {
		runCtx, cancel := u.runContext(ctx)
		defer cancel()
		return u.update(runCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			u.Log.Debug("合并到正在进行的更新")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Report), nil
	}
}

func (u *Updater) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(parent)
	if u.Timeout > 0 {
		return context.WithTimeout(ctx, u.Timeout)
	}
	return context.WithCancel(ctx)
}

func (u *Updater) update(ctx context.Context) (*Report, error) {
	report := &Report{
		ID:        uuid.NewString(),
		StartedAt: u.now(),
		HostsPath: u.HostsPath,
	}

	sources := u.Store.Sources()
	enabled := hosts.EnabledSources(sources)
	u.Log.Info("开始更新 hosts，启用的订阅源 %d 个", len(enabled))

	result := u.Aggregator.Collect(ctx, sources)
	report.Sources = result.Sources

	err := u.apply(ctx, report, result, len(enabled))
	report.FinishedAt = u.now()
	u.record(report, err)

	if err != nil {
		hosts.ObserveUpdate(false, report.FinishedAt)
		u.Log.Error("更新 hosts 失败: %v", err)
		return nil, err
	}

	hosts.ObserveUpdate(true, report.FinishedAt)
	u.Log.Info("hosts 更新完成: %d 个订阅源成功, %d 个失败, %d 字节",
		result.Succeeded(), result.Failed(), report.Bytes)
	return report, nil
}

func (u *Updater) apply(ctx context.Context, report *Report, result hosts.AggregateResult, enabled int) error {
	if enabled > 0 && result.Succeeded() == 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("更新超时: %w", err)
		}
		return ErrNoSourceContent
	}

	current, err := hosts.ReadHosts(u.HostsPath)
	if err != nil {
		return err
	}
	regions := hosts.Parse(current)
	merged := hosts.Merge(regions.Custom, result.Content)
	report.Bytes = len(merged)

	// 备份失败不阻塞更新
	if path, err := hosts.Backup(u.HostsPath, u.BackupDir, report.StartedAt); err != nil {
		u.Log.Warn("备份 hosts 文件失败: %v", err)
	} else {
		report.BackupPath = path
		if removed, err := hosts.PruneBackups(u.HostsPath, u.BackupDir, u.MaxBackups); err != nil {
			u.Log.Warn("清理旧备份失败: %v", err)
		} else if removed > 0 {
			u.Log.Debug("清理了 %d 个旧备份", removed)
		}
	}

	if err := hosts.WriteHosts(ctx, u.Writer, u.HostsPath, merged, u.Log); err != nil {
		return err
	}

	// hosts 已写入，更新时间保存失败不影响结果
	if err := u.Store.SetLastUpdate(u.now()); err != nil {
		u.Log.Warn("保存更新时间失败: %v", err)
	}
	return nil
}

func (u *Updater) record(report *Report, err error) {
	if u.History == nil {
		return
	}

	run := storage.Run{
		ID:         report.ID,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Success:    err == nil,
		Bytes:      report.Bytes,
		BackupPath: report.BackupPath,
		Sources:    report.Sources,
	}
	if err != nil {
		run.Error = err.Error()
	}

	// 记录不随请求上下文取消
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := u.History.SaveRun(ctx, run); err != nil {
		u.Log.Warn("保存更新记录失败: %v", err)
	}
}

package updater

import (
	"context"
	"time"

	"github.com/winspan/kooixhost/internal/config"
	"github.com/winspan/kooixhost/pkg/logger"
)

// Scheduler 按配置的间隔自动更新
type Scheduler struct {
	Updater       *Updater
	Store         *config.Store
	CheckInterval time.Duration
	Log           *logger.Logger
	Clock         func() time.Time
}

// Due 启用自动更新且从未更新或距上次更新已超过间隔时返回 true
func (s *Scheduler) Due(now time.Time) bool {
	cfg := s.Store.Snapshot()
	if !cfg.AutoUpdate {
		return false
	}
	last, ok := cfg.LastUpdateTime()
	if !ok {
		return true
	}
	return now.Sub(last) >= time.Duration(cfg.UpdateIntervalHours)*time.Hour
}

// Run 启动时检查一次，之后每 CheckInterval 检查一次，直到 ctx 结束
func (s *Scheduler) Run(ctx context.Context) {
	iv := s.CheckInterval
	if iv <= 0 {
		iv = 10 * time.Minute
	}
	ticker := time.NewTicker(iv)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	if s.Clock != nil {
		now = s.Clock()
	}
	if !s.Due(now) {
		return
	}

	s.Log.Info("到达自动更新时间，开始更新")
	if _, err := s.Updater.Update(ctx); err != nil {
		s.Log.Warn("自动更新失败: %v", err)
	}
}

package history

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/chatflow/types"
)

// RunRecord 一次已终结 Run 的归档记录
type RunRecord struct {
	ID         uint      `gorm:"primaryKey"`
	RunID      string    `gorm:"uniqueIndex;size:64"`
	TriggerID  string    `gorm:"size:64"`
	Phase      string    `gorm:"size:16;index"`
	Responders int
	Completed  int
	Errored    int
	Skipped    int
	StartedAt  time.Time
	DurationMS int64
	CreatedAt  time.Time
}

// SlotRecord Run 中单个槽位的归档记录
type SlotRecord struct {
	ID          uint   `gorm:"primaryKey"`
	RunID       string `gorm:"index;size:64"`
	SlotIndex   int
	AgentID     string `gorm:"size:64"`
	Status      string `gorm:"size:16"`
	Response    string
	ErrorReason string
	DurationMS  int64
	CreatedAt   time.Time
}

// Store Run 归档存储，实现 orchestrator.Archiver
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open 打开（必要时创建）归档数据库。path 传 ":memory:" 得到内存库。
func Open(path string, zlog *zap.Logger) (*Store, error) {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	if err := db.AutoMigrate(&RunRecord{}, &SlotRecord{}); err != nil {
		return nil, fmt.Errorf("migrate archive db: %w", err)
	}
	return &Store{
		db:     db,
		logger: zlog.With(zap.String("component", "history_store")),
	}, nil
}

// ArchiveRun 归档一个终结态快照。同一 RunID 重复归档是幂等的。
func (s *Store) ArchiveRun(ctx context.Context, snap types.RunSnapshot) error {
	if snap.RunID == "" {
		return nil
	}

	completed, errored, skipped := 0, 0, 0
	for _, slot := range snap.Slots {
		switch slot.Status {
		case types.SlotCompleted:
			completed++
		case types.SlotFailed:
			errored++
		case types.SlotSkipped:
			skipped++
		}
	}

	triggerID := ""
	responders := 0
	if snap.Plan != nil {
		triggerID = snap.Plan.TriggerID
		responders = len(snap.Plan.Order)
	}

	run := RunRecord{
		RunID:      snap.RunID,
		TriggerID:  triggerID,
		Phase:      string(snap.Phase),
		Responders: responders,
		Completed:  completed,
		Errored:    errored,
		Skipped:    skipped,
		StartedAt:  snap.StartedAt,
		DurationMS: snap.Elapsed.Milliseconds(),
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&RunRecord{}).Where("run_id = ?", snap.RunID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		if err := tx.Create(&run).Error; err != nil {
			return err
		}

		responses := make(map[string]types.Response, len(snap.Completed))
		for _, r := range snap.Completed {
			responses[r.AgentID] = r
		}
		reasons := make(map[string]string, len(snap.Errors))
		for _, e := range snap.Errors {
			reasons[e.AgentID] = e.Reason
		}

		for _, slot := range snap.Slots {
			rec := SlotRecord{
				RunID:     snap.RunID,
				SlotIndex: slot.Index,
				AgentID:   slot.AgentID,
				Status:    string(slot.Status),
			}
			if r, ok := responses[slot.AgentID]; ok && slot.Status == types.SlotCompleted {
				rec.Response = r.Text
				rec.DurationMS = r.Duration.Milliseconds()
			}
			if reason, ok := reasons[slot.AgentID]; ok && slot.Status == types.SlotFailed {
				rec.ErrorReason = reason
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// RecentRuns 按时间倒序返回最近的归档 Run
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []RunRecord
	err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// SlotsForRun 返回指定 Run 的槽位明细，按计划顺序
func (s *Store) SlotsForRun(ctx context.Context, runID string) ([]SlotRecord, error) {
	var slots []SlotRecord
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("slot_index ASC").
		Find(&slots).Error
	return slots, err
}

// Close 关闭底层数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

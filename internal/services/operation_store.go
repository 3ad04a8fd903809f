package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"aiops/internal/models"
)

// OperationStore AI 操作审计记录的持久化。
// 状态机：queued → in_progress → {completed, failed}；终态不可再变更。
type OperationStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewOperationStore 创建操作存储
func NewOperationStore(db *gorm.DB, logger *logrus.Logger) *OperationStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &OperationStore{db: db, logger: logger}
}

// Begin 创建一条新的操作记录
func (s *OperationStore) Begin(ctx context.Context, ticketID uint, opType, status string) (*models.AIOperation, error) {
	return s.BeginWithKey(ctx, ticketID, opType, status, "")
}

// BeginWithKey 创建操作记录并登记幂等键。
// 同一个键存在未完成的操作时返回 ErrDuplicateOperation。
func (s *OperationStore) BeginWithKey(ctx context.Context, ticketID uint, opType, status, idempotencyKey string) (*models.AIOperation, error) {
	if status != models.StatusQueued && status != models.StatusInProgress {
		return nil, fmt.Errorf("invalid initial status %q", status)
	}

	op := &models.AIOperation{
		ID:       uuid.NewString(),
		TicketID: ticketID,
		Type:     opType,
		Status:   status,
		Metadata: models.JSONMap{},
	}
	if idempotencyKey != "" {
		op.IdempotencyKey = &idempotencyKey
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if idempotencyKey != "" {
			var active int64
			if err := tx.Model(&models.AIOperation{}).
				Where("idempotency_key = ? AND status IN ?", idempotencyKey,
					[]string{models.StatusQueued, models.StatusInProgress}).
				Count(&active).Error; err != nil {
				return fmt.Errorf("check idempotency key: %w", err)
			}
			if active > 0 {
				return ErrDuplicateOperation
			}
		}
		if err := tx.Create(op).Error; err != nil {
			return fmt.Errorf("create operation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"ticket_id":    ticketID,
		"type":         opType,
	}).Info("Operation started")

	return op, nil
}

// Get 按 ID 读取操作记录
func (s *OperationStore) Get(ctx context.Context, id string) (*models.AIOperation, error) {
	var op models.AIOperation
	if err := s.db.WithContext(ctx).First(&op, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("operation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load operation: %w", err)
	}
	return &op, nil
}

// ListByTicket 按工单列出操作记录（新→旧）
func (s *OperationStore) ListByTicket(ctx context.Context, ticketID uint) ([]models.AIOperation, error) {
	var ops []models.AIOperation
	if err := s.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at DESC").
		Find(&ops).Error; err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// MarkInProgress queued → in_progress
func (s *OperationStore) MarkInProgress(ctx context.Context, op *models.AIOperation) error {
	res := s.db.WithContext(ctx).Model(&models.AIOperation{}).
		Where("id = ? AND status = ?", op.ID, models.StatusQueued).
		Update("status", models.StatusInProgress)
	if res.Error != nil {
		return fmt.Errorf("mark in progress: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("operation %s is not queued", op.ID)
	}
	op.Status = models.StatusInProgress
	return nil
}

// SetResult 在仍处于非终态时把结果写入 metadata（合并，不覆盖已有键）。
// 在写工单字段之前调用，保证落库失败时模型输出已经可审计。
func (s *OperationStore) SetResult(ctx context.Context, op *models.AIOperation, result models.JSONMap) error {
	if op.IsTerminal() {
		return fmt.Errorf("operation %s already terminal", op.ID)
	}
	merged := mergeMetadata(op.Metadata, result)
	res := s.db.WithContext(ctx).Model(&models.AIOperation{}).
		Where("id = ? AND status IN ?", op.ID, []string{models.StatusQueued, models.StatusInProgress}).
		Update("metadata", merged)
	if res.Error != nil {
		return fmt.Errorf("set result: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("operation %s already terminal", op.ID)
	}
	op.Metadata = merged
	return nil
}

// Complete 迁移到 completed 终态
func (s *OperationStore) Complete(ctx context.Context, op *models.AIOperation, result models.JSONMap) error {
	return s.finalize(ctx, op, models.StatusCompleted, result)
}

// Fail 迁移到 failed 终态并把错误写入 metadata
func (s *OperationStore) Fail(ctx context.Context, op *models.AIOperation, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.finalize(ctx, op, models.StatusFailed, models.JSONMap{"error": msg})
}

func (s *OperationStore) finalize(ctx context.Context, op *models.AIOperation, status string, extra models.JSONMap) error {
	if op == nil {
		return nil
	}
	merged := mergeMetadata(op.Metadata, extra)
	res := s.db.WithContext(ctx).Model(&models.AIOperation{}).
		Where("id = ? AND status IN ?", op.ID, []string{models.StatusQueued, models.StatusInProgress}).
		Updates(map[string]interface{}{
			"status":   status,
			"metadata": merged,
		})
	if res.Error != nil {
		return fmt.Errorf("finalize operation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("operation %s already terminal", op.ID)
	}
	op.Status = status
	op.Metadata = merged

	s.logger.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"ticket_id":    op.TicketID,
		"type":         op.Type,
		"status":       status,
	}).Info("Operation finalized")
	return nil
}

// mergeMetadata 合并元数据：已写入的键只追加不撤回
func mergeMetadata(base, extra models.JSONMap) models.JSONMap {
	merged := models.JSONMap{}
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

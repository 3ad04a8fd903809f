package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"aiops/internal/models"
)

// QueuePayload 队列通知载荷，只携带定位操作所需的最小信息
type QueuePayload struct {
	OperationID string `json:"operation_id"`
	TicketID    uint   `json:"ticket_id"`
	Type        string `json:"type"`
}

// OperationQueue 异步操作生产者。
// 操作记录和通知在同一个事务里提交，事务回滚则通知不发出。
type OperationQueue struct {
	db      *gorm.DB
	store   *OperationStore
	logger  *logrus.Logger
	channel string

	// notify 可在测试里替换，默认走 pg_notify
	notify func(tx *gorm.DB, channel, payload string) error
}

// NewOperationQueue 创建异步操作生产者
func NewOperationQueue(db *gorm.DB, store *OperationStore, channel string, logger *logrus.Logger) *OperationQueue {
	if channel == "" {
		channel = "ai_operations"
	}
	q := &OperationQueue{
		db:      db,
		store:   store,
		logger:  logger,
		channel: channel,
	}
	q.notify = func(tx *gorm.DB, channel, payload string) error {
		return tx.Exec("SELECT pg_notify(?, ?)", channel, payload).Error
	}
	return q
}

// SetNotify 替换通知实现，非 Postgres 环境（如测试）使用
func (q *OperationQueue) SetNotify(fn func(tx *gorm.DB, channel, payload string) error) {
	if fn != nil {
		q.notify = fn
	}
}

// Enqueue 创建一条 queued 状态的操作并通知消费者
func (q *OperationQueue) Enqueue(ctx context.Context, ticketID uint, opType, idemKey string) (*models.AIOperation, error) {
	if ticketID == 0 {
		return nil, fmt.Errorf("%w: ticket_id is required", ErrInvalidRequest)
	}
	if !validOperationType(opType) {
		return nil, fmt.Errorf("%w: unsupported operation type %q", ErrInvalidRequest, opType)
	}

	var exists int64
	err := q.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", ticketID).
		Count(&exists).Error
	if err != nil {
		return nil, fmt.Errorf("%w: check ticket %d: %v", ErrPersistence, ticketID, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: ticket %d", ErrNotFound, ticketID)
	}

	op, err := q.store.BeginWithKey(ctx, ticketID, opType, models.StatusQueued, idemKey)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(QueuePayload{
		OperationID: op.ID,
		TicketID:    ticketID,
		Type:        opType,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal queue payload: %v", ErrPersistence, err)
	}

	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return q.notify(tx, q.channel, string(payload))
	})
	if err != nil {
		// 通知失败不留下悬挂的 queued 记录
		if ferr := q.store.Fail(ctx, op, err); ferr != nil && !errors.Is(ferr, ErrNotFound) {
			q.logger.WithFields(logrus.Fields{
				"operation_id": op.ID,
				"error":        ferr.Error(),
			}).Error("Failed to mark unnotified operation as failed")
		}
		return nil, fmt.Errorf("%w: notify queue: %v", ErrPersistence, err)
	}

	q.logger.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"ticket_id":    ticketID,
		"type":         opType,
		"channel":      q.channel,
	}).Info("Operation enqueued")
	return op, nil
}

// validOperationType 校验可入队的操作类型
func validOperationType(opType string) bool {
	switch opType {
	case models.OpSummarizeTicket,
		models.OpGenerateTags,
		models.OpPrioritize,
		models.OpAssignTeam,
		models.OpGenerateNote,
		models.OpGenerateEmbeddings:
		return true
	default:
		return false
	}
}

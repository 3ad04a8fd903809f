package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"aiops/internal/metrics"
	"aiops/internal/models"
	"aiops/internal/services"
)

// Worker 队列消费者。
// 通过 Postgres LISTEN/NOTIFY 接收操作通知，逐条认领并执行。
// 连接断开后按固定间隔重连，ctx 取消时退出。
type Worker struct {
	dsn            string
	channel        string
	service        *services.AIOperationService
	store          *services.OperationStore
	logger         *logrus.Logger
	reconnectDelay time.Duration
}

// New 创建队列消费者
func New(dsn, channel string, service *services.AIOperationService, store *services.OperationStore, logger *logrus.Logger) *Worker {
	if channel == "" {
		channel = "ai_operations"
	}
	return &Worker{
		dsn:            dsn,
		channel:        channel,
		service:        service,
		store:          store,
		logger:         logger,
		reconnectDelay: 5 * time.Second,
	}
}

// SetReconnectDelay 设置断线重连间隔
func (w *Worker) SetReconnectDelay(d time.Duration) {
	if d > 0 {
		w.reconnectDelay = d
	}
}

// Run 阻塞运行消费循环直到 ctx 取消
func (w *Worker) Run(ctx context.Context) error {
	w.logger.WithField("channel", w.channel).Info("Worker starting")

	for {
		if err := w.listen(ctx); err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Worker stopped")
				return nil
			}
			w.logger.WithFields(logrus.Fields{
				"error": err.Error(),
				"delay": w.reconnectDelay.String(),
			}).Error("Listener connection lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return nil
		case <-time.After(w.reconnectDelay):
		}
	}
}

// listen 建立连接并消费通知，连接级错误时返回
func (w *Worker) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, w.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	listenSQL := "LISTEN " + pgx.Identifier{w.channel}.Sanitize()
	if _, err := conn.Exec(ctx, listenSQL); err != nil {
		return fmt.Errorf("listen on %s: %w", w.channel, err)
	}
	w.logger.WithField("channel", w.channel).Info("Worker listening")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		if err := w.HandlePayload(ctx, notification.Payload); err != nil {
			w.logger.WithFields(logrus.Fields{
				"payload": notification.Payload,
				"error":   err.Error(),
			}).Error("Failed to handle queue notification")
		}
	}
}

// HandlePayload 处理一条队列通知：认领 queued 操作并执行。
// 已被其他消费者认领或已收敛的操作直接跳过。
func (w *Worker) HandlePayload(ctx context.Context, payload string) error {
	var msg services.QueuePayload
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		metrics.QueueNotificationsTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if msg.OperationID == "" {
		metrics.QueueNotificationsTotal.WithLabelValues("malformed").Inc()
		return errors.New("payload missing operation_id")
	}

	op, err := w.store.Get(ctx, msg.OperationID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			metrics.QueueNotificationsTotal.WithLabelValues("unknown").Inc()
			w.logger.WithField("operation_id", msg.OperationID).Warn("Notification for unknown operation")
			return nil
		}
		metrics.QueueNotificationsTotal.WithLabelValues("error").Inc()
		return err
	}
	if op.Status != models.StatusQueued {
		metrics.QueueNotificationsTotal.WithLabelValues("skipped").Inc()
		w.logger.WithFields(logrus.Fields{
			"operation_id": op.ID,
			"status":       op.Status,
		}).Debug("Skipping operation not in queued state")
		return nil
	}

	if err := w.store.MarkInProgress(ctx, op); err != nil {
		// 认领竞争：其他消费者先把它拿走了
		metrics.QueueNotificationsTotal.WithLabelValues("skipped").Inc()
		w.logger.WithFields(logrus.Fields{
			"operation_id": op.ID,
			"error":        err.Error(),
		}).Warn("Could not claim operation")
		return nil
	}

	if err := w.service.ExecuteQueued(ctx, op); err != nil {
		metrics.QueueNotificationsTotal.WithLabelValues("failed").Inc()
		w.logger.WithFields(logrus.Fields{
			"operation_id": op.ID,
			"type":         op.Type,
			"error":        err.Error(),
		}).Error("Queued operation failed")
		return nil
	}

	metrics.QueueNotificationsTotal.WithLabelValues("completed").Inc()
	return nil
}

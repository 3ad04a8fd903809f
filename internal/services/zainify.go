package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"aiops/internal/metrics"
	"aiops/internal/models"
)

// ZainifyChild 单个子操作的执行结果
type ZainifyChild struct {
	OperationID string      `json:"operation_id,omitempty"`
	Status      string      `json:"status"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// ZainifyResult 一键增强的汇总结果。
// 子操作相互独立，单个失败不影响其余结果；Success 表示五个子操作是否全部成功。
type ZainifyResult struct {
	OperationID string                  `json:"operation_id"`
	Success     bool                    `json:"success"`
	Results     map[string]ZainifyChild `json:"results"`
}

// Zainify 对工单并发执行摘要、标签、优先级、团队分派和备注生成，
// 等全部子操作收敛后返回汇总。父操作只要跑完就是 completed，
// 子操作各自的成败记录在自己的审计记录和父操作元数据里。
func (s *AIOperationService) Zainify(ctx context.Context, ticketID uint, idemKey string) (*ZainifyResult, error) {
	if ticketID == 0 {
		return nil, fmt.Errorf("%w: ticket_id is required", ErrInvalidRequest)
	}

	if _, err := s.loadTicket(ctx, ticketID); err != nil {
		return nil, err
	}

	parent, err := s.store.BeginWithKey(ctx, ticketID, models.OpZainify, models.StatusInProgress, idemKey)
	if err != nil {
		return nil, err
	}
	s.events.Publish(EventOperationStarted, parent)
	start := time.Now()

	type childOutcome struct {
		key   string
		child ZainifyChild
	}

	var wg sync.WaitGroup
	outcomes := make(chan childOutcome, 5)

	launch := func(key string, run func() (string, interface{}, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opID, result, err := run()
			child := ZainifyChild{OperationID: opID}
			if err != nil {
				child.Status = models.StatusFailed
				child.Error = err.Error()
			} else {
				child.Status = models.StatusCompleted
				child.Result = result
			}
			outcomes <- childOutcome{key: key, child: child}
		}()
	}

	launch("summary", func() (string, interface{}, error) {
		res, err := s.Summarize(ctx, ticketID, "")
		if err != nil {
			return "", nil, err
		}
		return res.OperationID, res.Summary, nil
	})
	launch("tags", func() (string, interface{}, error) {
		res, err := s.GenerateTags(ctx, ticketID, "")
		if err != nil {
			return "", nil, err
		}
		return res.OperationID, res.Tags, nil
	})
	launch("priority", func() (string, interface{}, error) {
		res, err := s.Prioritize(ctx, ticketID, "")
		if err != nil {
			return "", nil, err
		}
		return res.OperationID, map[string]interface{}{
			"priority":  res.Priority,
			"reasoning": res.Reasoning,
		}, nil
	})
	launch("team", func() (string, interface{}, error) {
		res, err := s.AssignTeam(ctx, ticketID, "")
		if err != nil {
			return "", nil, err
		}
		return res.OperationID, map[string]interface{}{
			"team_id":   res.TeamID,
			"team_name": res.TeamName,
		}, nil
	})
	launch("notes", func() (string, interface{}, error) {
		res, err := s.GenerateNote(ctx, ticketID, "")
		if err != nil {
			return "", nil, err
		}
		return res.OperationID, res.Note, nil
	})

	wg.Wait()
	close(outcomes)

	result := &ZainifyResult{
		OperationID: parent.ID,
		Results:     make(map[string]ZainifyChild, 5),
	}
	childMeta := models.JSONMap{}
	failed := 0
	for outcome := range outcomes {
		result.Results[outcome.key] = outcome.child
		entry := map[string]interface{}{"status": outcome.child.Status}
		if outcome.child.OperationID != "" {
			entry["operation_id"] = outcome.child.OperationID
		}
		if outcome.child.Error != "" {
			entry["error"] = outcome.child.Error
		}
		childMeta[outcome.key] = entry
		if outcome.child.Status == models.StatusFailed {
			failed++
		}
	}

	result.Success = failed == 0

	meta := models.JSONMap{
		"children":     childMeta,
		"failed_count": float64(failed),
	}
	if err := s.store.Complete(ctx, parent, meta); err != nil {
		s.logger.WithFields(logrus.Fields{
			"operation_id": parent.ID,
			"error":        err.Error(),
		}).Error("Failed to complete zainify parent operation")
	}
	s.events.Publish(EventOperationCompleted, parent)
	metrics.ObserveOperation(models.OpZainify, models.StatusCompleted, time.Since(start))

	s.logger.WithFields(logrus.Fields{
		"ticket_id":    ticketID,
		"operation_id": parent.ID,
		"failed_count": failed,
	}).Info("Zainify completed")
	return result, nil
}

package services

import (
	"context"
	"strings"
	"testing"

	"aiops/internal/models"
)

// zainifyProvider 按提示词内容路由到不同的固定回答
func zainifyProvider(teamAnswer string) *stubProvider {
	return &stubProvider{
		completeFn: func(ctx context.Context, prompt string) (string, error) {
			switch {
			case strings.Contains(prompt, "PRIORITY"):
				return "REASONING: Blocked customer.\nPRIORITY: HIGH", nil
			case strings.Contains(prompt, "tags"):
				return "login, auth", nil
			case strings.Contains(prompt, "team"):
				return teamAnswer, nil
			case strings.Contains(prompt, "note"):
				return "Investigate the auth service logs.", nil
			default:
				return "Customer cannot log in.", nil
			}
		},
	}
}

func TestZainify_AllChildrenSucceed(t *testing.T) {
	svc, db := newTestService(t, zainifyProvider("Technical Support"))
	db.Create(&models.Team{Name: "Technical Support"})
	ticket := createTestTicket(t, db, "I cannot log in")

	result, err := svc.Zainify(context.Background(), ticket.ID, "")
	if err != nil {
		t.Fatalf("zainify: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success when every child completes")
	}
	if len(result.Results) != 5 {
		t.Fatalf("expected 5 children, got %d", len(result.Results))
	}
	for key, child := range result.Results {
		if child.Status != models.StatusCompleted {
			t.Fatalf("child %s expected completed, got %s (%s)", key, child.Status, child.Error)
		}
		if child.OperationID == "" {
			t.Fatalf("child %s missing operation id", key)
		}
	}

	// 父操作收敛为 completed 并携带子操作索引
	parent, err := svc.Store().Get(context.Background(), result.OperationID)
	if err != nil {
		t.Fatalf("load parent: %v", err)
	}
	if parent.Status != models.StatusCompleted {
		t.Fatalf("expected completed parent, got %s", parent.Status)
	}
	if parent.Metadata["children"] == nil {
		t.Fatal("expected children index in parent metadata")
	}

	// 全部字段都写回了
	var updated models.Ticket
	db.First(&updated, ticket.ID)
	if updated.AIDescription == "" || updated.Tags == "" || updated.Priority != "HIGH" || updated.AssignedTeamID == nil {
		t.Fatalf("expected all ticket fields written, got %+v", updated)
	}
}

func TestZainify_ChildFailureIsIsolated(t *testing.T) {
	// 没有配置团队：assign_team 子操作必然失败
	svc, db := newTestService(t, zainifyProvider("Technical Support"))
	ticket := createTestTicket(t, db, "I cannot log in")

	result, err := svc.Zainify(context.Background(), ticket.ID, "")
	if err != nil {
		t.Fatalf("zainify: %v", err)
	}

	if result.Success {
		t.Fatal("expected success=false when a child fails")
	}
	team := result.Results["team"]
	if team.Status != models.StatusFailed {
		t.Fatalf("expected team child to fail, got %s", team.Status)
	}
	if team.Error == "" {
		t.Fatal("expected failure reason for team child")
	}

	for _, key := range []string{"summary", "tags", "priority", "notes"} {
		if result.Results[key].Status != models.StatusCompleted {
			t.Fatalf("child %s expected completed, got %s", key, result.Results[key].Status)
		}
	}

	// 父操作仍然 completed，失败次数记录在元数据里
	parent, _ := svc.Store().Get(context.Background(), result.OperationID)
	if parent.Status != models.StatusCompleted {
		t.Fatalf("parent must complete despite child failure, got %s", parent.Status)
	}
}

func TestZainify_MissingTicket(t *testing.T) {
	svc, db := newTestService(t, zainifyProvider("Technical Support"))

	_, err := svc.Zainify(context.Background(), 4242, "")
	if err == nil {
		t.Fatal("expected error for missing ticket")
	}

	var count int64
	db.Model(&models.AIOperation{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no operations for missing ticket, got %d", count)
	}
}

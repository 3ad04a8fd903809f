package services

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"aiops/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// 内存库每个连接各自独立，并发用例必须收敛到单连接
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func createTestTicket(t *testing.T, db *gorm.DB, messages ...string) *models.Ticket {
	t.Helper()
	ticket := &models.Ticket{
		Title:       "Cannot log in",
		Description: "Customer reports login failures since this morning",
		Status:      "open",
	}
	if err := db.Create(ticket).Error; err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	for i, content := range messages {
		sender := "customer"
		if i%2 == 1 {
			sender = "agent"
		}
		msg := &models.TicketMessage{
			TicketID: ticket.ID,
			Sender:   sender,
			Content:  content,
		}
		if err := db.Create(msg).Error; err != nil {
			t.Fatalf("create message: %v", err)
		}
	}
	return ticket
}

func TestMigratedSchemaNames(t *testing.T) {
	db := newTestDB(t)
	if !db.Migrator().HasTable("ai_operations") {
		t.Fatal("expected ai_operations table")
	}
	// 裸 SQL 更新依赖这个列名，默认命名会拆成 a_idescription
	if !db.Migrator().HasColumn(&models.Ticket{}, "ai_description") {
		t.Fatal("expected ai_description column on tickets")
	}
}

func TestOperationStore_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	store := NewOperationStore(db, testLogger())
	ticket := createTestTicket(t, db, "I cannot log in")
	ctx := context.Background()

	op, err := store.Begin(ctx, ticket.ID, models.OpSummarizeTicket, models.StatusQueued)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if op.ID == "" {
		t.Fatal("expected generated operation id")
	}
	if op.Status != models.StatusQueued {
		t.Fatalf("expected queued, got %s", op.Status)
	}

	if err := store.MarkInProgress(ctx, op); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}

	if err := store.SetResult(ctx, op, models.JSONMap{"summary": "login broken"}); err != nil {
		t.Fatalf("set result: %v", err)
	}

	if err := store.Complete(ctx, op, models.JSONMap{"extra": "done"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stored, err := store.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	if stored.Metadata["summary"] != "login broken" {
		t.Fatalf("expected result to survive completion, got %v", stored.Metadata)
	}
	if stored.Metadata["extra"] != "done" {
		t.Fatalf("expected completion metadata merged, got %v", stored.Metadata)
	}
}

func TestOperationStore_TerminalStatesAreFinal(t *testing.T) {
	db := newTestDB(t)
	store := NewOperationStore(db, testLogger())
	ticket := createTestTicket(t, db, "hello")
	ctx := context.Background()

	op, err := store.Begin(ctx, ticket.ID, models.OpGenerateTags, models.StatusInProgress)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.Fail(ctx, op, errors.New("upstream exploded")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// 终态之后的任何迁移都必须被拒绝
	if err := store.Complete(ctx, op, nil); err == nil {
		t.Fatal("expected completing a failed operation to be rejected")
	}
	if err := store.SetResult(ctx, op, models.JSONMap{"late": true}); err == nil {
		t.Fatal("expected writing results to a failed operation to be rejected")
	}

	stored, err := store.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.Metadata["error"] != "upstream exploded" {
		t.Fatalf("expected error recorded in metadata, got %v", stored.Metadata)
	}
}

func TestOperationStore_MarkInProgressClaimRace(t *testing.T) {
	db := newTestDB(t)
	store := NewOperationStore(db, testLogger())
	ticket := createTestTicket(t, db, "hello")
	ctx := context.Background()

	op, err := store.Begin(ctx, ticket.ID, models.OpPrioritize, models.StatusQueued)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.MarkInProgress(ctx, op); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// 第二个消费者认领同一条记录必须失败
	second := &models.AIOperation{ID: op.ID, Status: models.StatusQueued}
	if err := store.MarkInProgress(ctx, second); err == nil {
		t.Fatal("expected second claim to fail")
	}
}

func TestOperationStore_IdempotencyKey(t *testing.T) {
	db := newTestDB(t)
	store := NewOperationStore(db, testLogger())
	ticket := createTestTicket(t, db, "hello")
	ctx := context.Background()

	first, err := store.BeginWithKey(ctx, ticket.ID, models.OpGenerateNote, models.StatusInProgress, "req-1")
	if err != nil {
		t.Fatalf("first begin: %v", err)
	}

	_, err = store.BeginWithKey(ctx, ticket.ID, models.OpGenerateNote, models.StatusInProgress, "req-1")
	if !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("expected ErrDuplicateOperation, got %v", err)
	}

	// 原操作收敛后同一个键可以再次使用
	if err := store.Complete(ctx, first, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := store.BeginWithKey(ctx, ticket.ID, models.OpGenerateNote, models.StatusInProgress, "req-1"); err != nil {
		t.Fatalf("begin after completion: %v", err)
	}
}

func TestOperationStore_GetUnknown(t *testing.T) {
	db := newTestDB(t)
	store := NewOperationStore(db, testLogger())

	_, err := store.Get(context.Background(), "no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"aiops/internal/models"
	"aiops/internal/services"
	"aiops/pkg/llm"
)

type fixedProvider struct {
	text string
	err  error
}

func (p *fixedProvider) Complete(ctx context.Context, prompt string) (string, error) {
	return p.text, p.err
}

func (p *fixedProvider) Stream(ctx context.Context, prompt string) (<-chan llm.StreamEvent, error) {
	events := make(chan llm.StreamEvent, 1)
	if p.err != nil {
		events <- llm.StreamEvent{Err: p.err}
	} else {
		events <- llm.StreamEvent{Text: p.text}
	}
	close(events)
	return events, nil
}

func (p *fixedProvider) Embed(ctx context.Context, input string) ([]float64, error) {
	return []float64{1, 2, 3}, p.err
}

func newTestWorker(t *testing.T, provider llm.Provider) (*Worker, *gorm.DB, *services.OperationStore) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// 内存库每个连接各自独立，收敛到单连接
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	store := services.NewOperationStore(db, log)
	svc := services.NewAIOperationService(db, store, provider, log)
	w := New("postgres://unused", "ai_operations", svc, store, log)
	return w, db, store
}

func seedQueuedOperation(t *testing.T, db *gorm.DB, store *services.OperationStore, opType string) (*models.AIOperation, *models.Ticket) {
	t.Helper()
	ticket := &models.Ticket{Title: "Broken export", Description: "Export times out", Status: "open"}
	if err := db.Create(ticket).Error; err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	msg := &models.TicketMessage{TicketID: ticket.ID, Sender: "customer", Content: "the export never finishes"}
	if err := db.Create(msg).Error; err != nil {
		t.Fatalf("create message: %v", err)
	}
	op, err := store.Begin(context.Background(), ticket.ID, opType, models.StatusQueued)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return op, ticket
}

func payloadFor(t *testing.T, op *models.AIOperation) string {
	t.Helper()
	raw, err := json.Marshal(services.QueuePayload{
		OperationID: op.ID,
		TicketID:    op.TicketID,
		Type:        op.Type,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return string(raw)
}

func TestHandlePayload_CompletesOperation(t *testing.T) {
	w, db, store := newTestWorker(t, &fixedProvider{text: "Export pipeline stalls on large files."})
	op, ticket := seedQueuedOperation(t, db, store, models.OpSummarizeTicket)

	if err := w.HandlePayload(context.Background(), payloadFor(t, op)); err != nil {
		t.Fatalf("handle payload: %v", err)
	}

	stored, err := store.Get(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}

	var updated models.Ticket
	db.First(&updated, ticket.ID)
	if updated.AIDescription == "" {
		t.Fatal("expected ticket summary written")
	}
}

func TestHandlePayload_UpstreamFailureConvergesToFailed(t *testing.T) {
	w, db, store := newTestWorker(t, &fixedProvider{err: errors.New("model unavailable")})
	op, _ := seedQueuedOperation(t, db, store, models.OpSummarizeTicket)

	// 执行失败由操作记录承载，通知处理本身不报错
	if err := w.HandlePayload(context.Background(), payloadFor(t, op)); err != nil {
		t.Fatalf("handle payload: %v", err)
	}

	stored, _ := store.Get(context.Background(), op.ID)
	if stored.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.Metadata["error"] == nil {
		t.Fatal("expected failure reason in metadata")
	}
}

func TestHandlePayload_MalformedPayload(t *testing.T) {
	w, _, _ := newTestWorker(t, &fixedProvider{text: "x"})
	if err := w.HandlePayload(context.Background(), "{not json"); err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if err := w.HandlePayload(context.Background(), `{"ticket_id":1}`); err == nil {
		t.Fatal("expected error for missing operation_id")
	}
}

func TestHandlePayload_UnknownOperationIsSkipped(t *testing.T) {
	w, _, _ := newTestWorker(t, &fixedProvider{text: "x"})
	payload := `{"operation_id":"missing","ticket_id":1,"type":"summarize_ticket"}`
	if err := w.HandlePayload(context.Background(), payload); err != nil {
		t.Fatalf("unknown operation must be skipped, got %v", err)
	}
}

func TestHandlePayload_AlreadyTerminalIsSkipped(t *testing.T) {
	w, db, store := newTestWorker(t, &fixedProvider{text: "x"})
	op, _ := seedQueuedOperation(t, db, store, models.OpSummarizeTicket)
	if err := store.MarkInProgress(context.Background(), op); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Complete(context.Background(), op, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := w.HandlePayload(context.Background(), payloadFor(t, op)); err != nil {
		t.Fatalf("terminal operation must be skipped, got %v", err)
	}

	stored, _ := store.Get(context.Background(), op.ID)
	if stored.Status != models.StatusCompleted {
		t.Fatalf("status must stay completed, got %s", stored.Status)
	}
}

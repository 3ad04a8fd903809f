package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"aiops/internal/models"
	"aiops/internal/services"
	"aiops/pkg/llm"
)

type scriptedProvider struct {
	respond func(prompt string) (string, error)
}

func (p *scriptedProvider) Complete(ctx context.Context, prompt string) (string, error) {
	return p.respond(prompt)
}

func (p *scriptedProvider) Stream(ctx context.Context, prompt string) (<-chan llm.StreamEvent, error) {
	text, err := p.respond(prompt)
	if err != nil {
		return nil, err
	}
	events := make(chan llm.StreamEvent)
	go func() {
		defer close(events)
		for _, word := range strings.SplitAfter(text, " ") {
			events <- llm.StreamEvent{Text: word}
		}
	}()
	return events, nil
}

func (p *scriptedProvider) Embed(ctx context.Context, input string) ([]float64, error) {
	return []float64{0.1, 0.2}, nil
}

type testEnv struct {
	router *gin.Engine
	db     *gorm.DB
	store  *services.OperationStore
}

func newHandlerTest(t *testing.T, respond func(prompt string) (string, error)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	// 内存库每个连接各自独立，收敛到单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))

	log := logrus.New()
	log.SetOutput(io.Discard)

	provider := &scriptedProvider{respond: respond}
	store := services.NewOperationStore(db, log)
	svc := services.NewAIOperationService(db, store, provider, log)
	queue := services.NewOperationQueue(db, store, "ai_operations", log)
	queue.SetNotify(func(tx *gorm.DB, channel, payload string) error { return nil })

	router := gin.New()
	handler := NewAIHandler(svc, queue, nil, log)
	handler.RegisterRoutes(router.Group("/api/v1"))

	return &testEnv{router: router, db: db, store: store}
}

func (e *testEnv) createTicket(t *testing.T, messages ...string) *models.Ticket {
	t.Helper()
	ticket := &models.Ticket{Title: "Sync is broken", Description: "Desktop sync stuck", Status: "open"}
	require.NoError(t, e.db.Create(ticket).Error)
	for _, content := range messages {
		require.NoError(t, e.db.Create(&models.TicketMessage{
			TicketID: ticket.ID,
			Sender:   "customer",
			Content:  content,
		}).Error)
	}
	return ticket
}

func (e *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestSummarizeEndpoint(t *testing.T) {
	env := newHandlerTest(t, func(prompt string) (string, error) {
		return "Sync client stuck at 99 percent.", nil
	})
	ticket := env.createTicket(t, "sync never finishes")

	w := env.do(http.MethodPost, "/api/v1/ai/tickets/1/summarize", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Sync client stuck at 99 percent.", resp["summary"])
	assert.NotEmpty(t, resp["operation_id"])

	var updated models.Ticket
	require.NoError(t, env.db.First(&updated, ticket.ID).Error)
	assert.Equal(t, "Sync client stuck at 99 percent.", updated.AIDescription)
}

func TestSummarizeEndpoint_MissingTicket(t *testing.T) {
	env := newHandlerTest(t, func(prompt string) (string, error) {
		return "irrelevant", nil
	})

	w := env.do(http.MethodPost, "/api/v1/ai/tickets/99/summarize", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSummarizeEndpoint_InvalidID(t *testing.T) {
	env := newHandlerTest(t, func(prompt string) (string, error) {
		return "irrelevant", nil
	})

	w := env.do(http.MethodPost, "/api/v1/ai/tickets/abc/summarize", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrioritizeEndpoint_ValidationFailure(t *testing.T) {
	env := newHandlerTest(t, func(prompt string) (string, error) {
		return "REASONING: eh\nPRIORITY: WHATEVER", nil
	})
	env.createTicket(t, "hello")

	w := env.do(http.MethodPost, "/api/v1/ai/tickets/1/prioritize", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestEnqueueEndpoint(t *testing.T) {
	env := newHandlerTest(t, func(prompt string) (string, error) {
		return "unused", nil
	})
	env.createTicket(t, "hello")

	w := env.do(http.MethodPost, "/api/v1/ai/operations", EnqueueRequest{
		TicketID: 1,
		Type:     models.OpGenerateEmbeddings,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusQueued, resp["status"])
	assert.NotEmpty(t, resp["operation_id"])

	// 返回后立即可查
	w = env.do(http.MethodGet, "/api/v1/ai/operations/"+resp["operation_id"].(string), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEnqueueEndpoint_BadRequests(t *testing.T) {
	env := newHandlerTest(t, func(prompt string) (string, error) {
		return "unused", nil
	})
	env.createTicket(t, "hello")

	w := env.do(http.MethodPost, "/api/v1/ai/operations", map[string]interface{}{"ticket_id": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/v1/ai/operations", EnqueueRequest{TicketID: 1, Type: "zainify"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetOperationEndpoint_NotFound(t *testing.T) {
	env := newHandlerTest(t, func(prompt string) (string, error) {
		return "unused", nil
	})

	w := env.do(http.MethodGet, "/api/v1/ai/operations/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListOperationsEndpoint(t *testing.T) {
	env := newHandlerTest(t, func(prompt string) (string, error) {
		return "Summary text.", nil
	})
	env.createTicket(t, "hello")

	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/ai/tickets/1/summarize", nil).Code)

	w := env.do(http.MethodGet, "/api/v1/ai/tickets/1/operations", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Operations []models.AIOperation `json:"operations"`
		Count      int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, models.StatusCompleted, resp.Operations[0].Status)
}

func TestUpstreamFailureMapsTo502(t *testing.T) {
	env := newHandlerTest(t, func(prompt string) (string, error) {
		return "", errors.New("connection refused")
	})
	env.createTicket(t, "hello")

	w := env.do(http.MethodPost, "/api/v1/ai/tickets/1/summarize", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestTimeoutMapsTo504(t *testing.T) {
	env := newHandlerTest(t, func(prompt string) (string, error) {
		return "", context.DeadlineExceeded
	})
	env.createTicket(t, "hello")

	w := env.do(http.MethodPost, "/api/v1/ai/tickets/1/summarize", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"aiops/internal/services"
)

// AIHandler AI 操作相关的 HTTP 接口
type AIHandler struct {
	service *services.AIOperationService
	queue   *services.OperationQueue
	breaker *services.BreakerProvider
	logger  *logrus.Logger
}

// NewAIHandler 创建 AI 操作接口处理器
func NewAIHandler(service *services.AIOperationService, queue *services.OperationQueue, breaker *services.BreakerProvider, logger *logrus.Logger) *AIHandler {
	return &AIHandler{
		service: service,
		queue:   queue,
		breaker: breaker,
		logger:  logger,
	}
}

// RegisterRoutes 注册 AI 操作路由
func (h *AIHandler) RegisterRoutes(api *gin.RouterGroup) {
	ai := api.Group("/ai")
	{
		tickets := ai.Group("/tickets/:id")
		{
			tickets.POST("/summarize", h.Summarize)
			tickets.POST("/summarize/stream", h.SummarizeStream)
			tickets.POST("/tags", h.GenerateTags)
			tickets.POST("/prioritize", h.Prioritize)
			tickets.POST("/team", h.AssignTeam)
			tickets.POST("/note", h.GenerateNote)
			tickets.POST("/note/stream", h.GenerateNoteStream)
			tickets.POST("/zainify", h.Zainify)
		}
		ai.POST("/operations", h.EnqueueOperation)
		ai.GET("/operations/:id", h.GetOperation)
		ai.GET("/tickets/:id/operations", h.ListOperations)
		ai.POST("/circuit-breaker/reset", h.ResetCircuitBreaker)
		ai.GET("/circuit-breaker", h.CircuitBreakerStats)
	}
}

// Summarize 同步生成工单摘要
func (h *AIHandler) Summarize(c *gin.Context) {
	ticketID, ok := ticketIDParam(c)
	if !ok {
		return
	}
	result, err := h.service.Summarize(c.Request.Context(), ticketID, idempotencyKey(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GenerateTags 同步生成工单标签
func (h *AIHandler) GenerateTags(c *gin.Context) {
	ticketID, ok := ticketIDParam(c)
	if !ok {
		return
	}
	result, err := h.service.GenerateTags(c.Request.Context(), ticketID, idempotencyKey(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Prioritize 同步评估工单优先级
func (h *AIHandler) Prioritize(c *gin.Context) {
	ticketID, ok := ticketIDParam(c)
	if !ok {
		return
	}
	result, err := h.service.Prioritize(c.Request.Context(), ticketID, idempotencyKey(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// AssignTeam 同步分派负责团队
func (h *AIHandler) AssignTeam(c *gin.Context) {
	ticketID, ok := ticketIDParam(c)
	if !ok {
		return
	}
	result, err := h.service.AssignTeam(c.Request.Context(), ticketID, idempotencyKey(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GenerateNote 同步生成内部备注
func (h *AIHandler) GenerateNote(c *gin.Context) {
	ticketID, ok := ticketIDParam(c)
	if !ok {
		return
	}
	result, err := h.service.GenerateNote(c.Request.Context(), ticketID, idempotencyKey(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Zainify 并发执行全部增强操作
func (h *AIHandler) Zainify(c *gin.Context) {
	ticketID, ok := ticketIDParam(c)
	if !ok {
		return
	}
	result, err := h.service.Zainify(c.Request.Context(), ticketID, idempotencyKey(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// EnqueueRequest 异步操作入队请求
type EnqueueRequest struct {
	TicketID uint   `json:"ticket_id" binding:"required"`
	Type     string `json:"type" binding:"required"`
}

// EnqueueOperation 创建异步操作，立即返回 202
func (h *AIHandler) EnqueueOperation(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request format: " + err.Error()})
		return
	}

	op, err := h.queue.Enqueue(c.Request.Context(), req.TicketID, req.Type, idempotencyKey(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"operation_id": op.ID,
		"status":       op.Status,
	})
}

// GetOperation 查询操作状态与元数据
func (h *AIHandler) GetOperation(c *gin.Context) {
	op, err := h.service.Store().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// ListOperations 按工单列出操作记录
func (h *AIHandler) ListOperations(c *gin.Context) {
	ticketID, ok := ticketIDParam(c)
	if !ok {
		return
	}
	ops, err := h.service.Store().ListByTicket(c.Request.Context(), ticketID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ticket_id":  ticketID,
		"operations": ops,
		"count":      len(ops),
	})
}

// ResetCircuitBreaker 手工复位熔断器
func (h *AIHandler) ResetCircuitBreaker(c *gin.Context) {
	if h.breaker == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "circuit breaker not enabled"})
		return
	}
	h.breaker.Reset()
	h.logger.Info("Circuit breaker reset via API")
	c.JSON(http.StatusOK, gin.H{"state": h.breaker.State().String()})
}

// CircuitBreakerStats 查询熔断器状态
func (h *AIHandler) CircuitBreakerStats(c *gin.Context) {
	if h.breaker == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "circuit breaker not enabled"})
		return
	}
	c.JSON(http.StatusOK, h.breaker.Stats())
}

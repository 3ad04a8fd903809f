package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SSE 事件名。done 事件携带落库结果的标识，error 事件携带失败原因；
// 两者互斥，且都在 chunk 序列之后。
const (
	sseEventChunk = "chunk"
	sseEventError = "error"
	sseEventDone  = "done"
)

// SummarizeStream 流式生成工单摘要（SSE）
func (h *AIHandler) SummarizeStream(c *gin.Context) {
	ticketID, ok := ticketIDParam(c)
	if !ok {
		return
	}
	h.streamOperation(c, func(emit func(string) error) (gin.H, error) {
		result, err := h.service.SummarizeStream(c.Request.Context(), ticketID, idempotencyKey(c), emit)
		if err != nil {
			return nil, err
		}
		return gin.H{"done": true, "operation_id": result.OperationID}, nil
	})
}

// GenerateNoteStream 流式生成内部备注（SSE）
func (h *AIHandler) GenerateNoteStream(c *gin.Context) {
	ticketID, ok := ticketIDParam(c)
	if !ok {
		return
	}
	h.streamOperation(c, func(emit func(string) error) (gin.H, error) {
		result, err := h.service.GenerateNoteStream(c.Request.Context(), ticketID, idempotencyKey(c), emit)
		if err != nil {
			return nil, err
		}
		return gin.H{"done": true, "operation_id": result.OperationID, "note_id": result.NoteID}, nil
	})
}

// streamOperation 统一的 SSE 输出：逐块 chunk，随后 done 或 error。
// 开流之后发生的失败只能通过 error 事件表达，状态码已经发出。
func (h *AIHandler) streamOperation(c *gin.Context, run func(emit func(string) error) (gin.H, error)) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher := c.Writer
	emit := func(chunk string) error {
		c.SSEvent(sseEventChunk, chunk)
		flusher.Flush()
		return nil
	}

	done, err := run(emit)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"path":  c.FullPath(),
			"error": err.Error(),
		}).Error("Streaming operation failed")
		c.SSEvent(sseEventError, gin.H{"error": err.Error()})
		flusher.Flush()
		return
	}

	c.SSEvent(sseEventDone, done)
	flusher.Flush()
}

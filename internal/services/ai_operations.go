package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"aiops/internal/metrics"
	"aiops/internal/models"
	"aiops/pkg/llm"
)

// AIOperationService AI 操作编排服务。
// 每个操作先落审计记录再调用模型，模型结果校验通过后
// 先写回操作元数据、再写工单字段，保证结果不丢失。
type AIOperationService struct {
	db         *gorm.DB
	store      *OperationStore
	provider   llm.Provider
	events     *EventHub
	logger     *logrus.Logger
	timeout    time.Duration
	noteAuthor string
}

// NewAIOperationService 创建操作编排服务
func NewAIOperationService(db *gorm.DB, store *OperationStore, provider llm.Provider, logger *logrus.Logger) *AIOperationService {
	return &AIOperationService{
		db:         db,
		store:      store,
		provider:   provider,
		logger:     logger,
		timeout:    60 * time.Second,
		noteAuthor: "ai-assistant",
	}
}

// SetEventHub 注入操作事件广播中心
func (s *AIOperationService) SetEventHub(hub *EventHub) {
	s.events = hub
}

// SetTimeout 设置单个操作的最长执行时间
func (s *AIOperationService) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// SetNoteAuthor 设置 AI 工单备注的作者标识
func (s *AIOperationService) SetNoteAuthor(author string) {
	if author != "" {
		s.noteAuthor = author
	}
}

// Store 返回底层操作审计存储
func (s *AIOperationService) Store() *OperationStore {
	return s.store
}

// SummaryResult 工单摘要结果
type SummaryResult struct {
	OperationID string `json:"operation_id"`
	Summary     string `json:"summary"`
}

// TagsResult 工单标签结果
type TagsResult struct {
	OperationID string   `json:"operation_id"`
	Tags        []string `json:"tags"`
}

// PriorityResult 工单优先级结果
type PriorityResult struct {
	OperationID string `json:"operation_id"`
	Priority    string `json:"priority"`
	Reasoning   string `json:"reasoning"`
}

// TeamResult 团队分派结果
type TeamResult struct {
	OperationID string `json:"operation_id"`
	TeamID      uint   `json:"team_id"`
	TeamName    string `json:"team_name"`
}

// NoteResult 工单备注结果
type NoteResult struct {
	OperationID string `json:"operation_id"`
	NoteID      uint   `json:"note_id"`
	Note        string `json:"note"`
}

// EmbeddingResult 工单向量化结果
type EmbeddingResult struct {
	OperationID string `json:"operation_id"`
	Model       string `json:"model"`
	Dimensions  int    `json:"dimensions"`
}

// opRunner 单个操作的核心逻辑，返回写入操作元数据的结果
type opRunner func(ctx context.Context, op *models.AIOperation, ticket *models.Ticket) (models.JSONMap, error)

// execute 操作执行引擎：加载工单、创建审计记录、运行核心逻辑、
// 收敛到终态。任何失败路径都把操作标记为 failed。
func (s *AIOperationService) execute(ctx context.Context, ticketID uint, opType, idemKey string, runner opRunner) (*models.AIOperation, error) {
	if ticketID == 0 {
		return nil, fmt.Errorf("%w: ticket_id is required", ErrInvalidRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ticket, err := s.loadTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	op, err := s.store.BeginWithKey(ctx, ticketID, opType, models.StatusInProgress, idemKey)
	if err != nil {
		return nil, err
	}
	s.events.Publish(EventOperationStarted, op)
	metrics.OperationsInFlight.Inc()
	start := time.Now()

	meta, err := runner(ctx, op, ticket)
	metrics.OperationsInFlight.Dec()
	if err != nil {
		err = s.classify(err)
		if ferr := s.store.Fail(ctx, op, err); ferr != nil {
			s.logger.WithFields(logrus.Fields{
				"operation_id": op.ID,
				"error":        ferr.Error(),
			}).Error("Failed to record operation failure")
		}
		s.events.Publish(EventOperationFailed, op)
		metrics.ObserveOperation(opType, models.StatusFailed, time.Since(start))
		return op, err
	}

	if err := s.store.Complete(ctx, op, meta); err != nil {
		return op, fmt.Errorf("%w: complete operation: %v", ErrPersistence, err)
	}
	s.events.Publish(EventOperationCompleted, op)
	metrics.ObserveOperation(opType, models.StatusCompleted, time.Since(start))
	return op, nil
}

// classify 把底层错误折叠到服务错误分类上
func (s *AIOperationService) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrUpstream),
		errors.Is(err, ErrPersistence),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrCircuitOpen):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
}

func (s *AIOperationService) loadTicket(ctx context.Context, ticketID uint) (*models.Ticket, error) {
	var ticket models.Ticket
	if err := s.db.WithContext(ctx).First(&ticket, ticketID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: ticket %d", ErrNotFound, ticketID)
		}
		return nil, fmt.Errorf("%w: load ticket %d: %v", ErrPersistence, ticketID, err)
	}
	return &ticket, nil
}

// loadMessages 按时间升序加载工单会话
func (s *AIOperationService) loadMessages(ctx context.Context, ticketID uint) ([]models.TicketMessage, error) {
	var messages []models.TicketMessage
	err := s.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("%w: load messages for ticket %d: %v", ErrPersistence, ticketID, err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: ticket %d has no messages", ErrNotFound, ticketID)
	}
	return messages, nil
}

// generate 调用模型。emit 非空时走流式接口并逐块转发，
// 返回值始终是完整的拼接文本。
func (s *AIOperationService) generate(ctx context.Context, prompt string, emit func(string) error) (string, error) {
	if emit == nil {
		text, err := s.provider.Complete(ctx, prompt)
		if err != nil {
			return "", s.upstreamErr(err)
		}
		return text, nil
	}

	events, err := s.provider.Stream(ctx, prompt)
	if err != nil {
		return "", s.upstreamErr(err)
	}
	var builder strings.Builder
	for event := range events {
		if event.Err != nil {
			return "", s.upstreamErr(event.Err)
		}
		builder.WriteString(event.Text)
		if err := emit(event.Text); err != nil {
			return "", fmt.Errorf("%w: forward stream chunk: %v", ErrUpstream, err)
		}
	}
	return builder.String(), nil
}

func (s *AIOperationService) upstreamErr(err error) error {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}

// Summarize 生成工单摘要并写入 ai_description 字段
func (s *AIOperationService) Summarize(ctx context.Context, ticketID uint, idemKey string) (*SummaryResult, error) {
	return s.summarize(ctx, ticketID, idemKey, nil)
}

// SummarizeStream 流式生成工单摘要，逐块回调 emit
func (s *AIOperationService) SummarizeStream(ctx context.Context, ticketID uint, idemKey string, emit func(string) error) (*SummaryResult, error) {
	return s.summarize(ctx, ticketID, idemKey, emit)
}

func (s *AIOperationService) summarize(ctx context.Context, ticketID uint, idemKey string, emit func(string) error) (*SummaryResult, error) {
	result := &SummaryResult{}
	op, err := s.execute(ctx, ticketID, models.OpSummarizeTicket, idemKey, func(ctx context.Context, op *models.AIOperation, ticket *models.Ticket) (models.JSONMap, error) {
		meta, err := s.runSummarize(ctx, op, ticket, emit)
		if err != nil {
			return nil, err
		}
		result.Summary = meta["summary"].(string)
		return meta, nil
	})
	if op != nil {
		result.OperationID = op.ID
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *AIOperationService) runSummarize(ctx context.Context, op *models.AIOperation, ticket *models.Ticket, emit func(string) error) (models.JSONMap, error) {
	messages, err := s.loadMessages(ctx, ticket.ID)
	if err != nil {
		return nil, err
	}

	text, err := s.generate(ctx, summarizePrompt(ticket, messages), emit)
	if err != nil {
		return nil, err
	}
	summary := strings.TrimSpace(text)
	if summary == "" {
		return nil, fmt.Errorf("%w: model returned empty summary", ErrValidation)
	}

	meta := models.JSONMap{"summary": summary}
	if err := s.store.SetResult(ctx, op, meta); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", ticket.ID).
		Update("ai_description", summary).Error
	if err != nil {
		return nil, fmt.Errorf("%w: update ai_description: %v", ErrPersistence, err)
	}

	s.logger.WithFields(logrus.Fields{
		"ticket_id":    ticket.ID,
		"operation_id": op.ID,
	}).Info("Ticket summary generated")
	return meta, nil
}

// GenerateTags 生成工单标签并覆盖 tags 字段
func (s *AIOperationService) GenerateTags(ctx context.Context, ticketID uint, idemKey string) (*TagsResult, error) {
	result := &TagsResult{}
	op, err := s.execute(ctx, ticketID, models.OpGenerateTags, idemKey, func(ctx context.Context, op *models.AIOperation, ticket *models.Ticket) (models.JSONMap, error) {
		meta, tags, err := s.runGenerateTags(ctx, op, ticket)
		if err != nil {
			return nil, err
		}
		result.Tags = tags
		return meta, nil
	})
	if op != nil {
		result.OperationID = op.ID
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *AIOperationService) runGenerateTags(ctx context.Context, op *models.AIOperation, ticket *models.Ticket) (models.JSONMap, []string, error) {
	messages, err := s.loadMessages(ctx, ticket.ID)
	if err != nil {
		return nil, nil, err
	}
	vocabulary, err := s.tagVocabulary(ctx)
	if err != nil {
		return nil, nil, err
	}

	text, err := s.generate(ctx, tagsPrompt(ticket, messages, vocabulary), nil)
	if err != nil {
		return nil, nil, err
	}
	tags := parseTags(text)
	if len(tags) == 0 {
		return nil, nil, fmt.Errorf("%w: model returned no usable tags", ErrValidation)
	}

	meta := models.JSONMap{"generated_tags": strings.Join(tags, ",")}
	if err := s.store.SetResult(ctx, op, meta); err != nil {
		return nil, nil, err
	}

	err = s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", ticket.ID).
		Update("tags", strings.Join(tags, ",")).Error
	if err != nil {
		return nil, nil, fmt.Errorf("%w: update tags: %v", ErrPersistence, err)
	}

	s.logger.WithFields(logrus.Fields{
		"ticket_id":    ticket.ID,
		"operation_id": op.ID,
		"tag_count":    len(tags),
	}).Info("Ticket tags generated")
	return meta, tags, nil
}

// tagVocabulary 收集既有工单标签作为提示词的词表引导
func (s *AIOperationService) tagVocabulary(ctx context.Context) ([]string, error) {
	var rows []string
	err := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("tags <> ''").
		Pluck("tags", &rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: load tag vocabulary: %v", ErrPersistence, err)
	}

	seen := make(map[string]bool)
	var vocabulary []string
	for _, row := range rows {
		for _, tag := range strings.Split(row, ",") {
			tag = strings.ToLower(strings.TrimSpace(tag))
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			vocabulary = append(vocabulary, tag)
		}
	}
	return vocabulary, nil
}

// parseTags 解析逗号分隔的标签输出，统一小写并去重
func parseTags(text string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, tag := range strings.Split(text, ",") {
		tag = strings.ToLower(strings.TrimSpace(tag))
		tag = strings.Trim(tag, ".")
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}

// Prioritize 评估工单优先级并写回 priority 字段
func (s *AIOperationService) Prioritize(ctx context.Context, ticketID uint, idemKey string) (*PriorityResult, error) {
	result := &PriorityResult{}
	op, err := s.execute(ctx, ticketID, models.OpPrioritize, idemKey, func(ctx context.Context, op *models.AIOperation, ticket *models.Ticket) (models.JSONMap, error) {
		meta, err := s.runPrioritize(ctx, op, ticket)
		if err != nil {
			return nil, err
		}
		result.Priority = meta["priority"].(string)
		result.Reasoning = meta["reasoning"].(string)
		return meta, nil
	})
	if op != nil {
		result.OperationID = op.ID
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *AIOperationService) runPrioritize(ctx context.Context, op *models.AIOperation, ticket *models.Ticket) (models.JSONMap, error) {
	messages, err := s.loadMessages(ctx, ticket.ID)
	if err != nil {
		return nil, err
	}
	var rules []models.PriorityRule
	if err := s.db.WithContext(ctx).Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("%w: load priority rules: %v", ErrPersistence, err)
	}

	text, err := s.generate(ctx, prioritizePrompt(ticket, messages, rules), nil)
	if err != nil {
		return nil, err
	}
	reasoning, priority, err := parsePriorityOutput(text)
	if err != nil {
		return nil, err
	}

	meta := models.JSONMap{
		"priority":  priority,
		"reasoning": reasoning,
	}
	if err := s.store.SetResult(ctx, op, meta); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", ticket.ID).
		Update("priority", priority).Error
	if err != nil {
		return nil, fmt.Errorf("%w: update priority: %v", ErrPersistence, err)
	}

	s.logger.WithFields(logrus.Fields{
		"ticket_id":    ticket.ID,
		"operation_id": op.ID,
		"priority":     priority,
	}).Info("Ticket priority assessed")
	return meta, nil
}

// parsePriorityOutput 解析两行格式的模型输出：
// REASONING: <原因> / PRIORITY: <枚举值>
func parsePriorityOutput(text string) (reasoning, priority string, err error) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "REASONING:"):
			reasoning = strings.TrimSpace(line[len("REASONING:"):])
		case strings.HasPrefix(upper, "PRIORITY:"):
			priority = strings.ToUpper(strings.TrimSpace(line[len("PRIORITY:"):]))
			priority = strings.Trim(priority, ".")
		}
	}
	if priority == "" {
		return "", "", fmt.Errorf("%w: missing PRIORITY line in model output", ErrValidation)
	}
	for _, allowed := range models.AllowedPriorities {
		if priority == allowed {
			return reasoning, priority, nil
		}
	}
	return "", "", fmt.Errorf("%w: priority %q is not in the allowed set", ErrValidation, priority)
}

// AssignTeam 根据会话内容选择负责团队
func (s *AIOperationService) AssignTeam(ctx context.Context, ticketID uint, idemKey string) (*TeamResult, error) {
	result := &TeamResult{}
	op, err := s.execute(ctx, ticketID, models.OpAssignTeam, idemKey, func(ctx context.Context, op *models.AIOperation, ticket *models.Ticket) (models.JSONMap, error) {
		meta, team, err := s.runAssignTeam(ctx, op, ticket)
		if err != nil {
			return nil, err
		}
		result.TeamID = team.ID
		result.TeamName = team.Name
		return meta, nil
	})
	if op != nil {
		result.OperationID = op.ID
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *AIOperationService) runAssignTeam(ctx context.Context, op *models.AIOperation, ticket *models.Ticket) (models.JSONMap, *models.Team, error) {
	messages, err := s.loadMessages(ctx, ticket.ID)
	if err != nil {
		return nil, nil, err
	}
	var teams []models.Team
	if err := s.db.WithContext(ctx).Find(&teams).Error; err != nil {
		return nil, nil, fmt.Errorf("%w: load teams: %v", ErrPersistence, err)
	}
	if len(teams) == 0 {
		return nil, nil, fmt.Errorf("%w: no teams configured", ErrNotFound)
	}

	text, err := s.generate(ctx, assignTeamPrompt(ticket, messages, teams), nil)
	if err != nil {
		return nil, nil, err
	}

	answer := strings.ToLower(strings.Trim(strings.TrimSpace(text), "."))
	var matched *models.Team
	for i := range teams {
		if strings.ToLower(teams[i].Name) == answer {
			matched = &teams[i]
			break
		}
	}
	if matched == nil {
		return nil, nil, fmt.Errorf("%w: model answer %q matches no team", ErrValidation, strings.TrimSpace(text))
	}

	meta := models.JSONMap{
		"team_id":   float64(matched.ID),
		"team_name": matched.Name,
	}
	if err := s.store.SetResult(ctx, op, meta); err != nil {
		return nil, nil, err
	}

	err = s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", ticket.ID).
		Update("assigned_team_id", matched.ID).Error
	if err != nil {
		return nil, nil, fmt.Errorf("%w: update assigned_team_id: %v", ErrPersistence, err)
	}

	s.logger.WithFields(logrus.Fields{
		"ticket_id":    ticket.ID,
		"operation_id": op.ID,
		"team":         matched.Name,
	}).Info("Ticket team assigned")
	return meta, matched, nil
}

// GenerateNote 生成内部处理备注，按 (工单, 作者) 幂等更新
func (s *AIOperationService) GenerateNote(ctx context.Context, ticketID uint, idemKey string) (*NoteResult, error) {
	return s.generateNote(ctx, ticketID, idemKey, nil)
}

// GenerateNoteStream 流式生成内部处理备注
func (s *AIOperationService) GenerateNoteStream(ctx context.Context, ticketID uint, idemKey string, emit func(string) error) (*NoteResult, error) {
	return s.generateNote(ctx, ticketID, idemKey, emit)
}

func (s *AIOperationService) generateNote(ctx context.Context, ticketID uint, idemKey string, emit func(string) error) (*NoteResult, error) {
	result := &NoteResult{}
	op, err := s.execute(ctx, ticketID, models.OpGenerateNote, idemKey, func(ctx context.Context, op *models.AIOperation, ticket *models.Ticket) (models.JSONMap, error) {
		meta, note, err := s.runGenerateNote(ctx, op, ticket, emit)
		if err != nil {
			return nil, err
		}
		result.NoteID = note.ID
		result.Note = note.Content
		return meta, nil
	})
	if op != nil {
		result.OperationID = op.ID
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *AIOperationService) runGenerateNote(ctx context.Context, op *models.AIOperation, ticket *models.Ticket, emit func(string) error) (models.JSONMap, *models.TicketNote, error) {
	messages, err := s.loadMessages(ctx, ticket.ID)
	if err != nil {
		return nil, nil, err
	}

	text, err := s.generate(ctx, notePrompt(ticket, messages), emit)
	if err != nil {
		return nil, nil, err
	}
	content := strings.TrimSpace(text)
	if content == "" {
		return nil, nil, fmt.Errorf("%w: model returned empty note", ErrValidation)
	}

	meta := models.JSONMap{"note": content}
	if err := s.store.SetResult(ctx, op, meta); err != nil {
		return nil, nil, err
	}

	note := models.TicketNote{
		TicketID: ticket.ID,
		Author:   s.noteAuthor,
		Content:  content,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ticket_id"}, {Name: "author"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
	}).Create(&note).Error
	if err != nil {
		return nil, nil, fmt.Errorf("%w: upsert ticket note: %v", ErrPersistence, err)
	}
	// 冲突更新路径下 Create 不回填主键，按唯一键读回
	if note.ID == 0 {
		err = s.db.WithContext(ctx).
			Where("ticket_id = ? AND author = ?", ticket.ID, s.noteAuthor).
			First(&note).Error
		if err != nil {
			return nil, nil, fmt.Errorf("%w: reload ticket note: %v", ErrPersistence, err)
		}
	}

	meta["note_id"] = float64(note.ID)

	s.logger.WithFields(logrus.Fields{
		"ticket_id":    ticket.ID,
		"operation_id": op.ID,
		"note_id":      note.ID,
	}).Info("Ticket note generated")
	return meta, &note, nil
}

// GenerateEmbeddings 生成工单向量并按工单幂等落库
func (s *AIOperationService) GenerateEmbeddings(ctx context.Context, ticketID uint, idemKey string) (*EmbeddingResult, error) {
	result := &EmbeddingResult{}
	op, err := s.execute(ctx, ticketID, models.OpGenerateEmbeddings, idemKey, func(ctx context.Context, op *models.AIOperation, ticket *models.Ticket) (models.JSONMap, error) {
		meta, err := s.runGenerateEmbeddings(ctx, op, ticket)
		if err != nil {
			return nil, err
		}
		result.Model = meta["model"].(string)
		result.Dimensions = int(meta["dimensions"].(float64))
		return meta, nil
	})
	if op != nil {
		result.OperationID = op.ID
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *AIOperationService) runGenerateEmbeddings(ctx context.Context, op *models.AIOperation, ticket *models.Ticket) (models.JSONMap, error) {
	messages, err := s.loadMessages(ctx, ticket.ID)
	if err != nil {
		return nil, err
	}

	vector, err := s.provider.Embed(ctx, embeddingInput(ticket, messages))
	if err != nil {
		return nil, s.upstreamErr(err)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: model returned empty embedding", ErrValidation)
	}

	model := "unknown"
	if named, ok := s.provider.(interface{ EmbeddingModel() string }); ok {
		if name := named.EmbeddingModel(); name != "" {
			model = name
		}
	}
	meta := models.JSONMap{
		"model":      model,
		"dimensions": float64(len(vector)),
	}
	if err := s.store.SetResult(ctx, op, meta); err != nil {
		return nil, err
	}

	embedding := models.TicketEmbedding{
		TicketID:  ticket.ID,
		Model:     model,
		Embedding: models.FloatVector(vector),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ticket_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"model", "embedding", "updated_at"}),
	}).Create(&embedding).Error
	if err != nil {
		return nil, fmt.Errorf("%w: upsert ticket embedding: %v", ErrPersistence, err)
	}

	s.logger.WithFields(logrus.Fields{
		"ticket_id":    ticket.ID,
		"operation_id": op.ID,
		"dimensions":   len(vector),
	}).Info("Ticket embedding generated")
	return meta, nil
}

// ExecuteQueued 执行队列消费侧已处于 in_progress 的操作。
// 工单缺失同样收敛到 failed，避免队列里留下悬挂记录。
func (s *AIOperationService) ExecuteQueued(ctx context.Context, op *models.AIOperation) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.events.Publish(EventOperationStarted, op)
	metrics.OperationsInFlight.Inc()
	start := time.Now()

	meta, err := s.runQueued(ctx, op)
	metrics.OperationsInFlight.Dec()
	if err != nil {
		err = s.classify(err)
		if ferr := s.store.Fail(ctx, op, err); ferr != nil {
			s.logger.WithFields(logrus.Fields{
				"operation_id": op.ID,
				"error":        ferr.Error(),
			}).Error("Failed to record operation failure")
		}
		s.events.Publish(EventOperationFailed, op)
		metrics.ObserveOperation(op.Type, models.StatusFailed, time.Since(start))
		return err
	}

	if err := s.store.Complete(ctx, op, meta); err != nil {
		return fmt.Errorf("%w: complete operation: %v", ErrPersistence, err)
	}
	s.events.Publish(EventOperationCompleted, op)
	metrics.ObserveOperation(op.Type, models.StatusCompleted, time.Since(start))
	return nil
}

func (s *AIOperationService) runQueued(ctx context.Context, op *models.AIOperation) (models.JSONMap, error) {
	ticket, err := s.loadTicket(ctx, op.TicketID)
	if err != nil {
		return nil, err
	}

	switch op.Type {
	case models.OpSummarizeTicket:
		return s.runSummarize(ctx, op, ticket, nil)
	case models.OpGenerateTags:
		meta, _, err := s.runGenerateTags(ctx, op, ticket)
		return meta, err
	case models.OpPrioritize:
		return s.runPrioritize(ctx, op, ticket)
	case models.OpAssignTeam:
		meta, _, err := s.runAssignTeam(ctx, op, ticket)
		return meta, err
	case models.OpGenerateNote:
		meta, _, err := s.runGenerateNote(ctx, op, ticket, nil)
		return meta, err
	case models.OpGenerateEmbeddings:
		return s.runGenerateEmbeddings(ctx, op, ticket)
	default:
		return nil, fmt.Errorf("%w: unsupported operation type %q", ErrInvalidRequest, op.Type)
	}
}

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AI 操作类型
const (
	OpSummarizeTicket    = "summarize_ticket"
	OpGenerateTags       = "generate_tags"
	OpPrioritize         = "prioritize"
	OpAssignTeam         = "assign_team"
	OpGenerateNote       = "generate_note"
	OpZainify            = "zainify"
	OpGenerateEmbeddings = "generate_embeddings"
)

// AI 操作状态
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// 工单优先级（由 prioritize 操作写入）
var AllowedPriorities = []string{"NONE", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

// JSONMap 以 JSON 序列化存储的开放键值对（Postgres 下为 jsonb）
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", src)
	}
	return json.Unmarshal(data, m)
}

// FloatVector 向量列（以 JSON 数组存储）
type FloatVector []float64

func (v FloatVector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (v *FloatVector) Scan(src interface{}) error {
	if src == nil {
		*v = nil
		return nil
	}
	var data []byte
	switch s := src.(type) {
	case []byte:
		data = s
	case string:
		data = []byte(s)
	default:
		return fmt.Errorf("unsupported type for FloatVector: %T", src)
	}
	return json.Unmarshal(data, v)
}

// AIOperation 一次 AI 操作的审计/状态记录。
// 创建后只会再被更新一次（进入终态），绝不删除。
type AIOperation struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	TicketID       uint      `gorm:"index;not null" json:"ticket_id"`
	Type           string    `gorm:"index;not null" json:"operation_type"`
	Status         string    `gorm:"index;default:'queued'" json:"status"`
	IdempotencyKey *string   `gorm:"index" json:"idempotency_key,omitempty"`
	Metadata       JSONMap   `gorm:"type:jsonb" json:"metadata"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	Ticket Ticket `gorm:"foreignKey:TicketID" json:"-"`
}

// TableName 固定表名；gorm 的默认命名不认识 AI 前缀
func (AIOperation) TableName() string {
	return "ai_operations"
}

// IsTerminal 是否已进入终态
func (op *AIOperation) IsTerminal() bool {
	return op.Status == StatusCompleted || op.Status == StatusFailed
}

// 工单模型（AI 操作的目标实体；各操作只写自己负责的字段）
type Ticket struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	Title          string         `gorm:"not null" json:"title"`
	Description    string         `gorm:"type:text" json:"description"`
	AIDescription  string         `gorm:"column:ai_description;type:text" json:"ai_description"` // summarize_ticket 写入
	Tags           string         `json:"tags"`                            // generate_tags 写入，逗号分隔
	Priority       string         `json:"priority"`                        // prioritize 写入
	AssignedTeamID *uint          `gorm:"index" json:"assigned_team_id"`   // assign_team 写入
	Status         string         `gorm:"default:'open'" json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	AssignedTeam *Team           `gorm:"foreignKey:AssignedTeamID" json:"assigned_team,omitempty"`
	Messages     []TicketMessage `gorm:"foreignKey:TicketID" json:"messages,omitempty"`
	Notes        []TicketNote    `gorm:"foreignKey:TicketID" json:"notes,omitempty"`
}

// 工单消息（对话历史，按时间升序使用）
type TicketMessage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TicketID  uint      `gorm:"index" json:"ticket_id"`
	Sender    string    `json:"sender"` // customer, agent, system
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// 工单备注。generate_note 以 (ticket_id, author) 作为唯一键 upsert，
// 重复调用更新而不是新增。
type TicketNote struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TicketID  uint      `gorm:"index:idx_ticket_author,unique" json:"ticket_id"`
	Author    string    `gorm:"index:idx_ticket_author,unique;size:64" json:"author"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// 团队
type Team struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"unique;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// 优先级规则（prioritize 的提示词上下文）
type PriorityRule struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Priority    string    `gorm:"not null" json:"priority"`
	Description string    `gorm:"type:text;not null" json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// 工单向量（generate_embeddings 写入，每工单一行）
type TicketEmbedding struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	TicketID  uint        `gorm:"uniqueIndex" json:"ticket_id"`
	Model     string      `json:"model"`
	Embedding FloatVector `gorm:"type:jsonb" json:"embedding"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// AllModels 全部需要迁移的模型
func AllModels() []interface{} {
	return []interface{}{
		&Ticket{}, &TicketMessage{}, &TicketNote{}, &Team{}, &PriorityRule{},
		&AIOperation{}, &TicketEmbedding{},
	}
}

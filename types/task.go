package types

import "time"

// TaskState 任务状态机: queued → running → {succeeded | failed}。
// failed 在未达最大尝试次数前可回到 queued。
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// Stage 管线阶段
type Stage string

const (
	StageExtract    Stage = "extract"
	StageChunk      Stage = "chunk"
	StageEnrich     Stage = "enrich"
	StageIndex      Stage = "index"
	StageGraphBuild Stage = "graph_build"
)

// Stages 按执行顺序排列的全部阶段。GraphBuild 在 Index 之后执行。
var Stages = []Stage{StageExtract, StageChunk, StageEnrich, StageIndex, StageGraphBuild}

// Task 编排工作单元：某文档的某一阶段。
// 仅由持有它的 worker 修改。
type Task struct {
	ID              string    `json:"id"`
	ChainID         string    `json:"chain_id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	DocumentID      string    `json:"document_id"`
	Stage           Stage     `json:"stage"`
	State           TaskState `json:"state"`
	Attempts        int       `json:"attempts"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorCode   ErrorCode `json:"last_error_code,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CanTransition 校验状态迁移是否合法。
func (s TaskState) CanTransition(next TaskState) bool {
	switch s {
	case TaskQueued:
		return next == TaskRunning
	case TaskRunning:
		return next == TaskSucceeded || next == TaskFailed
	case TaskFailed:
		return next == TaskQueued // 重试
	default:
		return false
	}
}

// Terminal 返回状态是否为终态。succeeded 恒为终态；
// failed 是否终态取决于剩余尝试次数，由编排器判定。
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded
}

package types

import "time"

// DocumentStatus 文档处理状态
type DocumentStatus string

const (
	StatusPending DocumentStatus = "pending"
	StatusRunning DocumentStatus = "running"
	StatusDone    DocumentStatus = "done"
	StatusFailed  DocumentStatus = "failed"
)

// Document 知识库中的一份文档。
// 源字节由 blob 存储持有，这里只保留引用。
type Document struct {
	ID              string         `json:"id"`
	KnowledgeBaseID string         `json:"knowledge_base_id"`
	SourceRef       string         `json:"source_ref"` // blob 存储中的引用
	Format          string         `json:"format"`     // 格式标签: txt, md, csv, html, json, pdf, png...
	Status          DocumentStatus `json:"status"`
	Version         int            `json:"version"` // 重新处理时递增
	LastError       string         `json:"last_error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// BlockKind 抽取块类型
type BlockKind string

const (
	BlockText    BlockKind = "text"
	BlockTable   BlockKind = "table"
	BlockImage   BlockKind = "image"
	BlockTitle   BlockKind = "title"
	BlockCaption BlockKind = "caption"
)

// Block 从文档中抽取出的有序单元。一经产出不可变。
type Block struct {
	Kind       BlockKind `json:"kind"`
	Content    string    `json:"content"`
	Table      *Table    `json:"table,omitempty"` // Kind == BlockTable 时非空
	Page       int       `json:"page"`
	Index      int       `json:"index"` // 阅读顺序
	Confidence float64   `json:"confidence"` // OCR 置信度，非 OCR 路径恒为 1.0
	HeadingLvl int       `json:"heading_level,omitempty"` // Kind == BlockTitle 时 >= 1
}

// Table 表格结构。按行列保留，不展平为纯文本，
// 下游分块与图谱抽取依赖结构线索。
type Table struct {
	Header []string   `json:"header,omitempty"`
	Rows   [][]string `json:"rows"`
}

// PlainText 将表格渲染为制表符分隔文本，用于嵌入与全文索引。
func (t *Table) PlainText() string {
	if t == nil {
		return ""
	}
	var out string
	if len(t.Header) > 0 {
		out += joinRow(t.Header)
	}
	for _, row := range t.Rows {
		out += joinRow(row)
	}
	return out
}

func joinRow(cells []string) string {
	line := ""
	for i, c := range cells {
		if i > 0 {
			line += "\t"
		}
		line += c
	}
	return line + "\n"
}

// Text 返回块的文本内容；表格块渲染为行列文本。
func (b *Block) Text() string {
	if b.Kind == BlockTable && b.Table != nil {
		return b.Table.PlainText()
	}
	return b.Content
}

// Package chunk 将抽取出的 Block 序列切分为语义连贯、token 受限的 Chunk。
//
// 贪心累积块直至超出 token 预算；标题块在 RespectHeadings 下强制开启新块；
// 表格不会在行中间断开；预算触发的新块以上一块尾部 OverlapTokens 的内容作种子，
// 保留跨边界上下文。相同输入与配置下切分结果完全确定。
package chunk

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/knowledgecore/types"
)

// Config 分块配置
type Config struct {
	MaxTokens       int  `json:"max_tokens"`
	OverlapTokens   int  `json:"overlap_tokens"`
	RespectHeadings bool `json:"respect_headings"`
}

// DefaultConfig 默认分块配置（生产级）
func DefaultConfig() Config {
	return Config{
		MaxTokens:       512, // 400-800 tokens 最佳
		OverlapTokens:   102, // 20% overlap
		RespectHeadings: true,
	}
}

// DocRef 被切分文档的身份信息，用于生成确定性的 chunk ID。
type DocRef struct {
	KnowledgeBaseID string
	DocumentID      string
	Version         int
}

// Chunker 文档分块器
type Chunker struct {
	cfg       Config
	tokenizer Tokenizer
	logger    *zap.Logger
}

// New 创建分块器。
func New(cfg Config, tokenizer Tokenizer, logger *zap.Logger) *Chunker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.OverlapTokens < 0 || cfg.OverlapTokens >= cfg.MaxTokens {
		cfg.OverlapTokens = cfg.MaxTokens / 5
	}
	return &Chunker{
		cfg:       cfg,
		tokenizer: tokenizer,
		logger:    logger.With(zap.String("component", "chunker")),
	}
}

// piece 分块算法的内部单元：不可再分的文本片段。
type piece struct {
	text       string
	tokens     int
	page       int
	confidence float64
	isHeading  bool
}

// Chunk 将块序列切分为有序 Chunk，覆盖全部块且无缺口。
func (c *Chunker) Chunk(ref DocRef, blocks []types.Block) ([]types.Chunk, error) {
	if len(blocks) == 0 {
		return nil, types.NewError(types.ErrEmptyInput, "no blocks to chunk")
	}

	// 预算上限：新块可能带 overlap 前缀，片段本身必须能放进剩余空间
	pieceBudget := c.cfg.MaxTokens - c.cfg.OverlapTokens

	var pieces []piece
	for _, b := range blocks {
		pieces = append(pieces, c.splitBlock(b, pieceBudget)...)
	}

	var chunks []types.Chunk
	var cur []piece
	curTokens := 0
	overlap := ""
	overlapTokens := 0

	flush := func(nextOverlap bool) {
		if len(cur) == 0 {
			return
		}
		chunks = append(chunks, c.assemble(ref, len(chunks), overlap, overlapTokens, cur))
		if nextOverlap && c.cfg.OverlapTokens > 0 {
			overlap, overlapTokens = c.overlapTail(cur)
		} else {
			overlap, overlapTokens = "", 0
		}
		cur = nil
		curTokens = 0
	}

	for _, p := range pieces {
		// 标题强制开启新块，且不携带 overlap：保持章节首句紧跟其标题
		if p.isHeading && c.cfg.RespectHeadings {
			flush(false)
		} else if curTokens+overlapTokens+p.tokens > c.cfg.MaxTokens {
			flush(true)
		}
		cur = append(cur, p)
		curTokens += p.tokens
	}
	flush(false)

	c.logger.Debug("chunking completed",
		zap.String("document_id", ref.DocumentID),
		zap.Int("blocks", len(blocks)),
		zap.Int("chunks", len(chunks)))

	return chunks, nil
}

// assemble 将片段组装为 Chunk。
func (c *Chunker) assemble(ref DocRef, seq int, overlap string, overlapTokens int, pieces []piece) types.Chunk {
	var sb strings.Builder
	if overlap != "" {
		sb.WriteString(overlap)
		sb.WriteString("\n")
	}

	pageSet := make(map[int]bool)
	minConfidence := 1.0
	tokens := overlapTokens
	for i, p := range pieces {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.text)
		tokens += p.tokens
		pageSet[p.page] = true
		if p.confidence < minConfidence {
			minConfidence = p.confidence
		}
	}

	pages := make([]int, 0, len(pageSet))
	for p := range pageSet {
		pages = append(pages, p)
	}
	sort.Ints(pages)

	ch := types.Chunk{
		ID:              types.ChunkID(ref.DocumentID, ref.Version, seq),
		KnowledgeBaseID: ref.KnowledgeBaseID,
		DocumentID:      ref.DocumentID,
		DocumentVersion: ref.Version,
		Seq:             seq,
		Content:         sb.String(),
		TokenCount:      tokens,
		Pages:           pages,
	}
	if minConfidence < 1.0 {
		ch.Metadata = map[string]any{"min_confidence": minConfidence}
	}
	return ch
}

// overlapTail 取当前块尾部不超过 OverlapTokens 的整词内容作为下一块的种子。
func (c *Chunker) overlapTail(pieces []piece) (string, int) {
	var sb strings.Builder
	for i, p := range pieces {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.text)
	}
	words := strings.Fields(sb.String())

	// 从尾部向前累积整词
	tail := make([]string, 0, len(words))
	tokens := 0
	for i := len(words) - 1; i >= 0; i-- {
		wordTokens := c.tokenizer.CountTokens(words[i])
		if tokens+wordTokens > c.cfg.OverlapTokens {
			break
		}
		tail = append([]string{words[i]}, tail...)
		tokens += wordTokens
	}
	if len(tail) == 0 {
		return "", 0
	}
	text := strings.Join(tail, " ")
	return text, c.tokenizer.CountTokens(text)
}

// splitBlock 将单个块转换为若干不可再分的片段，每个片段不超过 budget。
func (c *Chunker) splitBlock(b types.Block, budget int) []piece {
	confidence := b.Confidence
	if confidence == 0 {
		confidence = 1.0
	}

	if b.Kind == types.BlockTable && b.Table != nil {
		return c.splitTable(b, budget, confidence)
	}

	text := strings.TrimSpace(b.Text())
	if text == "" {
		return nil
	}

	mk := func(t string) piece {
		return piece{
			text:       t,
			tokens:     c.tokenizer.CountTokens(t),
			page:       b.Page,
			confidence: confidence,
			isHeading:  b.Kind == types.BlockTitle,
		}
	}

	if p := mk(text); p.tokens <= budget {
		return []piece{p}
	}

	// 超预算的文本按句子边界切分，仍超限的句子按词切分
	var pieces []piece
	var acc []string
	accTokens := 0
	flush := func() {
		if len(acc) == 0 {
			return
		}
		pieces = append(pieces, mk(strings.Join(acc, " ")))
		acc = nil
		accTokens = 0
	}

	for _, sentence := range splitSentences(text) {
		st := c.tokenizer.CountTokens(sentence)
		if st > budget {
			flush()
			pieces = append(pieces, c.splitWords(sentence, budget, mk)...)
			continue
		}
		if accTokens+st > budget {
			flush()
		}
		acc = append(acc, sentence)
		accTokens += st
	}
	flush()
	return pieces
}

// splitTable 表格按行组切分，表头随每个片段重复，绝不在行中间断开。
func (c *Chunker) splitTable(b types.Block, budget int, confidence float64) []piece {
	t := b.Table
	header := ""
	headerTokens := 0
	if len(t.Header) > 0 {
		header = strings.Join(t.Header, "\t")
		headerTokens = c.tokenizer.CountTokens(header)
	}

	mk := func(rows []string) piece {
		lines := rows
		if header != "" {
			lines = append([]string{header}, rows...)
		}
		text := strings.Join(lines, "\n")
		return piece{
			text:       text,
			tokens:     c.tokenizer.CountTokens(text),
			page:       b.Page,
			confidence: confidence,
		}
	}

	var pieces []piece
	var rows []string
	rowTokens := 0
	for _, r := range t.Rows {
		line := strings.Join(r, "\t")
		lt := c.tokenizer.CountTokens(line)
		if len(rows) > 0 && headerTokens+rowTokens+lt > budget {
			pieces = append(pieces, mk(rows))
			rows = nil
			rowTokens = 0
		}
		rows = append(rows, line)
		rowTokens += lt
	}
	if len(rows) > 0 || header != "" {
		pieces = append(pieces, mk(rows))
	}
	return pieces
}

// splitWords 最后手段：按词切分超长句子。
func (c *Chunker) splitWords(text string, budget int, mk func(string) piece) []piece {
	var pieces []piece
	var acc []string
	accTokens := 0
	for _, w := range strings.Fields(text) {
		wt := c.tokenizer.CountTokens(w)
		if len(acc) > 0 && accTokens+wt > budget {
			pieces = append(pieces, mk(strings.Join(acc, " ")))
			acc = nil
			accTokens = 0
		}
		acc = append(acc, w)
		accTokens += wt
	}
	if len(acc) > 0 {
		pieces = append(pieces, mk(strings.Join(acc, " ")))
	}
	return pieces
}

// splitSentences 按句末标点切分文本。
func splitSentences(text string) []string {
	var sentences []string
	var sb strings.Builder
	for _, r := range text {
		sb.WriteRune(r)
		switch r {
		case '.', '。', '!', '！', '?', '？', '\n':
			s := strings.TrimSpace(sb.String())
			if s != "" {
				sentences = append(sentences, s)
			}
			sb.Reset()
		}
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

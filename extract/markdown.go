package extract

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/BaSui01/knowledgecore/types"
)

// MarkdownExtractor Markdown 抽取器。
// 识别标题、围栏代码块、管道表格，其余按段落输出文本块。
// 表格保留行列结构，不展平。
type MarkdownExtractor struct{}

// NewMarkdownExtractor 创建 Markdown 抽取器。
func NewMarkdownExtractor() *MarkdownExtractor {
	return &MarkdownExtractor{}
}

func (e *MarkdownExtractor) Formats() []string {
	return []string{"md", "markdown"}
}

func (e *MarkdownExtractor) Extract(ctx context.Context, data []byte) ([]types.Block, error) {
	if !utf8.Valid(data) {
		return nil, types.NewError(types.ErrCorruptInput, "markdown document is not valid UTF-8")
	}

	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")

	var blocks []types.Block
	var para []string
	var code []string
	var table []string
	inCode := false

	flushPara := func() {
		text := strings.TrimSpace(strings.Join(para, "\n"))
		para = para[:0]
		if text != "" {
			blocks = append(blocks, types.Block{Kind: types.BlockText, Content: text})
		}
	}
	flushTable := func() {
		if len(table) == 0 {
			return
		}
		t := parsePipeTable(table)
		table = table[:0]
		if t != nil {
			blocks = append(blocks, types.Block{Kind: types.BlockTable, Table: t})
		}
	}

	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// 围栏代码块作为一个整体文本块，避免被标题/表格规则误判
		if strings.HasPrefix(line, "```") {
			if inCode {
				code = append(code, line)
				blocks = append(blocks, types.Block{Kind: types.BlockText, Content: strings.Join(code, "\n")})
				code = code[:0]
				inCode = false
			} else {
				flushPara()
				flushTable()
				code = append(code, line)
				inCode = true
			}
			continue
		}
		if inCode {
			code = append(code, line)
			continue
		}

		if level, title, ok := parseHeading(line); ok {
			flushPara()
			flushTable()
			blocks = append(blocks, types.Block{
				Kind:       types.BlockTitle,
				Content:    title,
				HeadingLvl: level,
			})
			continue
		}

		if isTableRow(line) {
			flushPara()
			table = append(table, line)
			continue
		}
		flushTable()

		if strings.TrimSpace(line) == "" {
			flushPara()
			continue
		}
		para = append(para, line)
	}

	// 未闭合的代码块按原样输出
	if inCode && len(code) > 0 {
		blocks = append(blocks, types.Block{Kind: types.BlockText, Content: strings.Join(code, "\n")})
	}
	flushPara()
	flushTable()

	if len(blocks) == 0 {
		return nil, types.NewError(types.ErrCorruptInput, "markdown document contains no content")
	}
	return blocks, nil
}

// parseHeading 识别 ATX 标题（# 到 ######）。
func parseHeading(line string) (level int, title string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return 0, "", false
	}
	level = 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level > 6 || level >= len(trimmed) || trimmed[level] != ' ' {
		return 0, "", false
	}
	title = strings.TrimSpace(trimmed[level:])
	if title == "" {
		return 0, "", false
	}
	return level, title, true
}

// isTableRow 识别管道表格行。
func isTableRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "|") && strings.Count(trimmed, "|") >= 2
}

// parsePipeTable 将管道表格行解析为结构化表格。
// 第二行若为分隔行（|---|---|），第一行作为表头。
func parsePipeTable(lines []string) *types.Table {
	rows := make([][]string, 0, len(lines))
	for _, line := range lines {
		cells := splitTableRow(line)
		if len(cells) > 0 {
			rows = append(rows, cells)
		}
	}
	if len(rows) == 0 {
		return nil
	}

	t := &types.Table{}
	if len(rows) >= 2 && isSeparatorRow(rows[1]) {
		t.Header = rows[0]
		t.Rows = rows[2:]
	} else {
		t.Rows = rows
	}
	if len(t.Rows) == 0 && len(t.Header) == 0 {
		return nil
	}
	return t
}

func splitTableRow(line string) []string {
	trimmed := strings.Trim(strings.TrimSpace(line), "|")
	parts := strings.Split(trimmed, "|")
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		cells = append(cells, strings.TrimSpace(p))
	}
	return cells
}

func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if c == "" {
			return false
		}
		for _, r := range c {
			if r != '-' && r != ':' && r != ' ' {
				return false
			}
		}
	}
	return true
}

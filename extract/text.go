package extract

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/BaSui01/knowledgecore/types"
)

// TextExtractor 纯文本抽取器。按空行切分段落，每段一个文本块。
type TextExtractor struct{}

// NewTextExtractor 创建纯文本抽取器。
func NewTextExtractor() *TextExtractor {
	return &TextExtractor{}
}

func (e *TextExtractor) Formats() []string {
	return []string{"txt", "text", "log"}
}

func (e *TextExtractor) Extract(ctx context.Context, data []byte) ([]types.Block, error) {
	if !utf8.Valid(data) {
		return nil, types.NewError(types.ErrCorruptInput, "text document is not valid UTF-8")
	}

	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	paragraphs := strings.Split(content, "\n\n")

	blocks := make([]types.Block, 0, len(paragraphs))
	for _, p := range paragraphs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		blocks = append(blocks, types.Block{
			Kind:    types.BlockText,
			Content: p,
		})
	}

	if len(blocks) == 0 {
		return nil, types.NewError(types.ErrCorruptInput, "text document contains no content")
	}
	return blocks, nil
}

package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/knowledgecore/types"
)

// JSONExtractor JSON 抽取器。
// 对象展平为 "路径: 值" 行；顶层数组的每个元素输出一个文本块。
type JSONExtractor struct{}

// NewJSONExtractor 创建 JSON 抽取器。
func NewJSONExtractor() *JSONExtractor {
	return &JSONExtractor{}
}

func (e *JSONExtractor) Formats() []string {
	return []string{"json", "jsonl"}
}

func (e *JSONExtractor) Extract(ctx context.Context, data []byte) ([]types.Block, error) {
	var blocks []types.Block

	decode := func(raw []byte) error {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return types.NewError(types.ErrCorruptInput, "malformed JSON").WithCause(err)
		}
		switch val := v.(type) {
		case []any:
			for _, item := range val {
				text := flattenJSON(item)
				if text != "" {
					blocks = append(blocks, types.Block{Kind: types.BlockText, Content: text})
				}
			}
		default:
			text := flattenJSON(v)
			if text != "" {
				blocks = append(blocks, types.Block{Kind: types.BlockText, Content: text})
			}
		}
		return nil
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.Contains(trimmed, "\n") && !strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "{\n") {
		// JSONL: 每行一个对象
		for _, line := range strings.Split(trimmed, "\n") {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := decode([]byte(line)); err != nil {
				return nil, err
			}
		}
	} else {
		if err := decode(data); err != nil {
			return nil, err
		}
	}

	if len(blocks) == 0 {
		return nil, types.NewError(types.ErrCorruptInput, "json document contains no content")
	}
	return blocks, nil
}

// flattenJSON 将任意 JSON 值展平为稳定排序的 "path: value" 文本。
func flattenJSON(v any) string {
	entries := make(map[string]string)
	flattenInto("", v, entries)

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		if k == "" {
			sb.WriteString(entries[k])
		} else {
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(entries[k])
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func flattenInto(prefix string, v any, out map[string]string) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			flattenInto(p, child, out)
		}
	case []any:
		for i, child := range val {
			flattenInto(fmt.Sprintf("%s[%d]", prefix, i), child, out)
		}
	case nil:
		out[prefix] = "null"
	case string:
		out[prefix] = val
	default:
		out[prefix] = fmt.Sprintf("%v", val)
	}
}

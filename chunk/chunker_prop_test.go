package chunk

import (
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/BaSui01/knowledgecore/types"
)

// 属性测试：任意块序列下，分块结果满足预算、覆盖与确定性不变量。
func TestChunkProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxTokens := rapid.IntRange(8, 64).Draw(t, "max_tokens")
		overlap := rapid.IntRange(0, maxTokens/2).Draw(t, "overlap")

		wordGen := rapid.StringMatching(`[a-z]{1,8}`)
		blockGen := rapid.Custom(func(t *rapid.T) types.Block {
			n := rapid.IntRange(1, 40).Draw(t, "word_count")
			ws := make([]string, n)
			for i := range ws {
				ws[i] = wordGen.Draw(t, "word")
			}
			kind := types.BlockText
			if rapid.Float64Range(0, 1).Draw(t, "heading_p") < 0.15 {
				kind = types.BlockTitle
			}
			return types.Block{Kind: kind, Content: strings.Join(ws, " ")}
		})
		blocks := rapid.SliceOfN(blockGen, 1, 10).Draw(t, "blocks")

		c := New(Config{MaxTokens: maxTokens, OverlapTokens: overlap, RespectHeadings: true},
			wordTokenizer{}, nil)

		chunks, err := c.Chunk(testRef(), blocks)
		if err != nil {
			t.Fatalf("chunk failed: %v", err)
		}
		if len(chunks) == 0 {
			t.Fatalf("non-empty input produced no chunks")
		}

		tok := wordTokenizer{}
		allContent := make([]string, 0, len(chunks))
		for i, ch := range chunks {
			if ch.Seq != i {
				t.Fatalf("chunk %d has seq %d", i, ch.Seq)
			}
			got := tok.CountTokens(ch.Content)
			if got > maxTokens {
				t.Fatalf("chunk %d has %d tokens, budget %d", i, got, maxTokens)
			}
			if got != ch.TokenCount {
				t.Fatalf("chunk %d reports %d tokens, content has %d", i, ch.TokenCount, got)
			}
			allContent = append(allContent, ch.Content)
		}

		// 覆盖：输入的每个词都出现在输出中
		joined := " " + strings.Join(allContent, " ") + " "
		joined = strings.ReplaceAll(joined, "\n", " ")
		for _, b := range blocks {
			for _, w := range strings.Fields(b.Content) {
				if !strings.Contains(joined, " "+w+" ") {
					t.Fatalf("word %q from input missing in chunks", w)
				}
			}
		}

		// 确定性
		again, err := c.Chunk(testRef(), blocks)
		if err != nil {
			t.Fatalf("second chunk failed: %v", err)
		}
		if len(again) != len(chunks) {
			t.Fatalf("re-chunking produced %d chunks, want %d", len(again), len(chunks))
		}
		for i := range chunks {
			if again[i].ID != chunks[i].ID || again[i].Content != chunks[i].Content {
				t.Fatalf("re-chunking diverged at %d", i)
			}
		}
	})
}

package enrich

import (
	"sort"
	"strings"
	"unicode"
)

// stopwords 关键词统计时忽略的高频虚词。
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "in": true, "is": true, "it": true, "its": true, "of": true,
	"on": true, "or": true, "that": true, "the": true, "this": true, "to": true,
	"was": true, "were": true, "will": true, "with": true, "not": true,
	"的": true, "了": true, "和": true, "是": true, "在": true, "与": true,
	"及": true, "等": true, "为": true, "对": true,
}

// ExtractKeywords 按词频返回文本中最显著的 limit 个词。
// 相同频次按字典序排序，保证结果确定。
func ExtractKeywords(text string, limit int) []string {
	if limit <= 0 {
		limit = 10
	}

	freq := make(map[string]int)
	for _, w := range tokenizeWords(text) {
		if stopwords[w] {
			continue
		}
		freq[w]++
	}
	if len(freq) == 0 {
		return nil
	}

	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})

	if len(words) > limit {
		words = words[:limit]
	}
	return words
}

// tokenizeWords 切分为小写词元：连续字母数字为一词，CJK 逐字成词。
func tokenizeWords(text string) []string {
	var words []string
	var sb strings.Builder

	flush := func() {
		if sb.Len() == 0 {
			return
		}
		w := sb.String()
		sb.Reset()
		// 过短的 ASCII 词没有区分度
		if len(w) < 3 && w[0] < 0x80 {
			return
		}
		words = append(words, w)
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) && unicode.Is(unicode.Han, r):
			flush()
			words = append(words, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return words
}

package extract

import (
	"bytes"
	"context"
	"strings"

	"golang.org/x/net/html"

	"github.com/BaSui01/knowledgecore/types"
)

// HTMLExtractor HTML 抽取器。
// h1-h6 输出标题块，table 保留行列结构，p/li 等输出文本块；
// script/style 被跳过。遍历顺序即阅读顺序。
type HTMLExtractor struct{}

// NewHTMLExtractor 创建 HTML 抽取器。
func NewHTMLExtractor() *HTMLExtractor {
	return &HTMLExtractor{}
}

func (e *HTMLExtractor) Formats() []string {
	return []string{"html", "htm"}
}

func (e *HTMLExtractor) Extract(ctx context.Context, data []byte) ([]types.Block, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, types.NewError(types.ErrCorruptInput, "malformed HTML").WithCause(err)
	}

	var blocks []types.Block
	walkHTML(root, &blocks)

	if len(blocks) == 0 {
		return nil, types.NewError(types.ErrCorruptInput, "html document contains no content")
	}
	return blocks, nil
}

func walkHTML(n *html.Node, blocks *[]types.Block) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript", "head":
			return

		case "h1", "h2", "h3", "h4", "h5", "h6":
			text := collapseSpace(textContent(n))
			if text != "" {
				*blocks = append(*blocks, types.Block{
					Kind:       types.BlockTitle,
					Content:    text,
					HeadingLvl: int(n.Data[1] - '0'),
				})
			}
			return

		case "table":
			if t := parseHTMLTable(n); t != nil {
				*blocks = append(*blocks, types.Block{Kind: types.BlockTable, Table: t})
			}
			return

		case "p", "li", "blockquote", "pre", "figcaption":
			text := collapseSpace(textContent(n))
			if text != "" {
				kind := types.BlockText
				if n.Data == "figcaption" {
					kind = types.BlockCaption
				}
				*blocks = append(*blocks, types.Block{Kind: kind, Content: text})
			}
			return

		case "img":
			if alt := attrValue(n, "alt"); alt != "" {
				*blocks = append(*blocks, types.Block{Kind: types.BlockCaption, Content: alt})
			}
			return
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHTML(c, blocks)
	}
}

// parseHTMLTable 将 <table> 解析为结构化表格，<th> 行作为表头。
func parseHTMLTable(table *html.Node) *types.Table {
	t := &types.Table{}

	var visitRows func(n *html.Node)
	visitRows = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			isHeader := false
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type != html.ElementNode {
					continue
				}
				switch c.Data {
				case "th":
					isHeader = true
					cells = append(cells, collapseSpace(textContent(c)))
				case "td":
					cells = append(cells, collapseSpace(textContent(c)))
				}
			}
			if len(cells) == 0 {
				return
			}
			if isHeader && len(t.Header) == 0 && len(t.Rows) == 0 {
				t.Header = cells
			} else {
				t.Rows = append(t.Rows, cells)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visitRows(c)
		}
	}
	visitRows(table)

	if len(t.Header) == 0 && len(t.Rows) == 0 {
		return nil
	}
	return t
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return sb.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

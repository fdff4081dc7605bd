package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"

	"github.com/BaSui01/knowledgecore/types"
)

// csvRowsPerBlock 每个表格块承载的最大行数。
// 大表按行组切分，保证单块不超过下游 token 预算太多，且不会在行中间断开。
const csvRowsPerBlock = 200

// CSVExtractor CSV/TSV 抽取器。首行作为表头，按行组输出表格块。
type CSVExtractor struct{}

// NewCSVExtractor 创建 CSV 抽取器。
func NewCSVExtractor() *CSVExtractor {
	return &CSVExtractor{}
}

func (e *CSVExtractor) Formats() []string {
	return []string{"csv", "tsv"}
}

func (e *CSVExtractor) Extract(ctx context.Context, data []byte) ([]types.Block, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	if bytes.IndexByte(data, '\t') >= 0 && bytes.IndexByte(data, ',') < 0 {
		reader.Comma = '\t'
	}

	var header []string
	var rows [][]string
	var blocks []types.Block

	flush := func() {
		if len(rows) == 0 {
			return
		}
		h := make([]string, len(header))
		copy(h, header)
		blocks = append(blocks, types.Block{
			Kind:  types.BlockTable,
			Table: &types.Table{Header: h, Rows: rows},
		})
		rows = nil
	}

	first := true
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, types.NewError(types.ErrCorruptInput, "malformed CSV").WithCause(err)
		}
		if first {
			header = record
			first = false
			continue
		}
		rows = append(rows, record)
		if len(rows) >= csvRowsPerBlock {
			flush()
		}
	}
	flush()

	if len(blocks) == 0 {
		return nil, types.NewError(types.ErrCorruptInput, "csv document contains no data rows")
	}
	return blocks, nil
}

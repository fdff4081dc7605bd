package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/knowledgecore/types"
)

func TestRegistryUnsupportedFormat(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Extract(context.Background(), []byte("data"), "docx")
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupportedFormat, types.GetErrorCode(err))
}

func TestRegistryEmptyInput(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Extract(context.Background(), nil, "txt")
	require.Error(t, err)
	assert.Equal(t, types.ErrCorruptInput, types.GetErrorCode(err))
}

func TestRegistryNormalizesBlocks(t *testing.T) {
	r := NewRegistry(nil)

	blocks, err := r.Extract(context.Background(), []byte("first paragraph\n\nsecond paragraph"), "txt")
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	for i, b := range blocks {
		assert.Equal(t, i, b.Index, "indexes must be sequential")
		assert.Equal(t, 1.0, b.Confidence, "non-OCR blocks get full confidence")
	}
}

func TestRegistryScannedFormatsRequireOCR(t *testing.T) {
	// 未注入 OCR 引擎时，pdf 等格式不可用
	r := NewRegistry(nil)
	_, err := r.Extract(context.Background(), []byte("%PDF-1.7 ..."), "pdf")
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupportedFormat, types.GetErrorCode(err))
}

type fakeOCR struct {
	gotFormat *string
}

func (f fakeOCR) Recognize(ctx context.Context, data []byte, format string) ([]OCRPage, error) {
	if f.gotFormat != nil {
		*f.gotFormat = format
	}
	return []OCRPage{
		{Page: 0, Lines: []OCRLine{
			{Text: "Quarterly Report", Confidence: 0.95, IsHeading: true},
			{Text: "Revenue grew 12%.", Confidence: 0.82},
		}},
		{Page: 1, Lines: []OCRLine{
			{Text: "smudged line", Confidence: 0.31},
		}},
	}, nil
}

func TestScannedExtractorProducesConfidenceTaggedBlocks(t *testing.T) {
	r := NewRegistry(nil, WithOCREngine(fakeOCR{}))

	blocks, err := r.Extract(context.Background(), []byte("%PDF-1.7 content"), "pdf")
	require.NoError(t, err)
	require.Len(t, blocks, 3)

	assert.Equal(t, types.BlockTitle, blocks[0].Kind)
	assert.Equal(t, 0.95, blocks[0].Confidence)
	assert.Equal(t, types.BlockText, blocks[1].Kind)
	assert.Equal(t, 0, blocks[1].Page)
	assert.Equal(t, 1, blocks[2].Page)
	assert.Equal(t, 0.31, blocks[2].Confidence)
}

func TestScannedExtractorRejectsBadPDFHeader(t *testing.T) {
	e := NewScannedExtractor(fakeOCR{}, "pdf", nil)

	_, err := e.Extract(context.Background(), []byte("%NOTPDF"))
	require.Error(t, err)
	assert.Equal(t, types.ErrCorruptInput, types.GetErrorCode(err))
}

func TestScannedExtractorPassesFormatToEngine(t *testing.T) {
	var got string
	r := NewRegistry(nil, WithOCREngine(fakeOCR{gotFormat: &got}))

	_, err := r.Extract(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "png")
	require.NoError(t, err)
	assert.Equal(t, "png", got)

	_, err = r.Extract(context.Background(), []byte("%PDF-1.7 content"), "pdf")
	require.NoError(t, err)
	assert.Equal(t, "pdf", got)
}

func TestRegistryCustomExtractor(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("custom", NewTextExtractor())

	blocks, err := r.Extract(context.Background(), []byte("hello"), "custom")
	require.NoError(t, err)
	assert.Len(t, blocks, 1)
}

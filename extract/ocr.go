package extract

import (
	"bytes"
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/knowledgecore/types"
)

// OCRPage OCR 引擎识别出的一页内容。
type OCRPage struct {
	Page  int       `json:"page"`
	Lines []OCRLine `json:"lines"`
}

// OCRLine 单行识别结果，按阅读顺序排列。
type OCRLine struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"` // [0,1]
	IsHeading  bool    `json:"is_heading"` // 版面分析判定的标题行
}

// OCREngine 扫描件/图片识别能力。由外部实现注入（本地模型或识别服务）。
type OCREngine interface {
	// Recognize 对整份文档做版面分析与文字识别。
	// format 为原始格式标签（pdf, png, jpg...）。
	Recognize(ctx context.Context, data []byte, format string) ([]OCRPage, error)
}

// ScannedFormats OCR 路径覆盖的格式标签。
func ScannedFormats() []string {
	return []string{"pdf", "png", "jpg", "jpeg", "tiff"}
}

// ScannedExtractor 扫描件路径：单一格式经由 OCR 引擎产出低置信度文本块。
type ScannedExtractor struct {
	engine OCREngine
	format string
	logger *zap.Logger
}

// NewScannedExtractor 创建指定格式的 OCR 抽取器。
func NewScannedExtractor(engine OCREngine, format string, logger *zap.Logger) *ScannedExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScannedExtractor{
		engine: engine,
		format: format,
		logger: logger.With(zap.String("component", "scanned_extractor")),
	}
}

func (e *ScannedExtractor) Formats() []string {
	return []string{e.format}
}

var pdfMagic = []byte("%PDF-")

func (e *ScannedExtractor) Extract(ctx context.Context, data []byte) ([]types.Block, error) {
	// PDF 魔数校验；图片格式交由引擎自行判断
	if e.format == "pdf" && !bytes.HasPrefix(data, pdfMagic) {
		return nil, types.NewError(types.ErrCorruptInput, "document has invalid PDF header")
	}

	pages, err := e.engine.Recognize(ctx, data, e.format)
	if err != nil {
		if types.GetErrorCode(err) != "" {
			return nil, err
		}
		return nil, types.NewError(types.ErrProviderError, "ocr recognition failed").WithCause(err)
	}

	var blocks []types.Block
	for _, page := range pages {
		for _, line := range page.Lines {
			if line.Text == "" {
				continue
			}
			kind := types.BlockText
			lvl := 0
			if line.IsHeading {
				kind = types.BlockTitle
				lvl = 1
			}
			blocks = append(blocks, types.Block{
				Kind:       kind,
				Content:    line.Text,
				Page:       page.Page,
				Confidence: line.Confidence,
				HeadingLvl: lvl,
			})
		}
	}

	if len(blocks) == 0 {
		return nil, types.NewError(types.ErrCorruptInput, "ocr produced no text")
	}

	e.logger.Debug("ocr extraction completed",
		zap.Int("pages", len(pages)),
		zap.Int("blocks", len(blocks)))

	return blocks, nil
}

// NoopOCREngine 未配置识别服务时的占位实现，恒返回不支持错误。
type NoopOCREngine struct{}

func (NoopOCREngine) Recognize(ctx context.Context, data []byte, format string) ([]OCRPage, error) {
	return nil, types.NewError(types.ErrUnsupportedFormat, "no OCR engine configured")
}

// =============================================================================
// KnowledgeCore 主入口
// =============================================================================
// 文档摄取与混合检索的命令行入口
//
// 使用方法:
//
//	knowledgecore ingest --kb demo --doc d1 --file report.md   # 摄取文档
//	knowledgecore query --kb demo --query "alice 在哪工作"      # 混合检索
//	knowledgecore delete --kb demo --doc d1                    # 级联删除
//	knowledgecore version                                      # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/knowledgecore/config"
	"github.com/BaSui01/knowledgecore/internal/telemetry"
	"github.com/BaSui01/knowledgecore/pipeline"
	"github.com/BaSui01/knowledgecore/retrieve"
	"github.com/BaSui01/knowledgecore/types"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "ingest":
		runIngest(os.Args[2:])
	case "query":
		runQuery(os.Args[2:])
	case "delete":
		runDelete(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 📥 ingest 命令
// =============================================================================

func runIngest(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	kb := fs.String("kb", "default", "Knowledge base ID")
	docID := fs.String("doc", "", "Document ID (defaults to file name)")
	file := fs.String("file", "", "Path to the document")
	format := fs.String("format", "", "Document format (defaults to file extension)")
	timeout := fs.Duration("timeout", 10*time.Minute, "Ingestion timeout")
	fs.Parse(args)

	if *file == "" {
		fmt.Fprintln(os.Stderr, "ingest: --file is required")
		os.Exit(1)
	}

	cfg, logger := loadConfigAndLogger(*configPath)
	defer logger.Sync()

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer shutdownTelemetry(otelProviders)

	abs, err := filepath.Abs(*file)
	if err != nil {
		logger.Fatal("resolve file path", zap.Error(err))
	}
	// blob 根目录取文件所在目录，ref 为文件名
	cfg.Blob.Dir = filepath.Dir(abs)
	ref := filepath.Base(abs)

	if *docID == "" {
		*docID = strings.TrimSuffix(ref, filepath.Ext(ref))
	}
	if *format == "" {
		*format = strings.TrimPrefix(filepath.Ext(ref), ".")
	}

	app, err := buildApp(cfg, logger)
	if err != nil {
		logger.Fatal("initialize pipeline", zap.Error(err))
	}
	defer app.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	chainID, err := app.orchestrator.Submit(ctx, *kb, *docID, ref, *format)
	if err != nil {
		logger.Fatal("submit ingestion", zap.Error(err))
	}

	status := waitForChain(ctx, app.orchestrator, chainID)
	switch status.State {
	case types.TaskSucceeded:
		fmt.Printf("ingested %s into %s (version %d, chain %s)\n",
			*docID, *kb, status.Version, chainID)
	case types.TaskFailed:
		for _, task := range status.Tasks {
			if task.State == types.TaskFailed {
				fmt.Fprintf(os.Stderr, "ingestion failed at %s: %s\n", task.Stage, task.LastError)
				break
			}
		}
		os.Exit(1)
	default:
		fmt.Fprintln(os.Stderr, "ingestion timed out")
		os.Exit(1)
	}
}

func waitForChain(ctx context.Context, o *pipeline.Orchestrator, chainID string) *pipeline.ChainStatus {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := o.Status(chainID)
		if err == nil &&
			(status.State == types.TaskSucceeded || status.State == types.TaskFailed) {
			return status
		}
		select {
		case <-ctx.Done():
			if status == nil {
				status = &pipeline.ChainStatus{ChainID: chainID, State: types.TaskRunning}
			}
			return status
		case <-ticker.C:
		}
	}
}

// =============================================================================
// 🔍 query 命令
// =============================================================================

func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	kb := fs.String("kb", "default", "Knowledge base ID")
	query := fs.String("query", "", "Query text")
	topK := fs.Int("top-k", 0, "Number of results (0 = config default)")
	rerank := fs.Bool("rerank", false, "Rerank results with the configured model")
	fs.Parse(args)

	if *query == "" {
		fmt.Fprintln(os.Stderr, "query: --query is required")
		os.Exit(1)
	}

	cfg, logger := loadConfigAndLogger(*configPath)
	defer logger.Sync()

	app, err := buildApp(cfg, logger)
	if err != nil {
		logger.Fatal("initialize retriever", zap.Error(err))
	}
	defer app.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := app.retriever.Retrieve(ctx, &retrieve.Request{
		KnowledgeBaseID: *kb,
		Query:           *query,
		TopK:            *topK,
		Rerank:          *rerank,
	})
	if err != nil {
		logger.Fatal("retrieve", zap.Error(err))
	}

	if len(res.Chunks) == 0 {
		fmt.Println("no results")
		return
	}
	for i, hit := range res.Chunks {
		fmt.Printf("%2d. [%.4f %s] %s\n", i+1, hit.Score, hit.Source, hit.Chunk.ID)
		fmt.Printf("    %s\n", snippet(hit.Chunk.Content, 160))
	}
	if len(res.Entities) > 0 {
		names := make([]string, len(res.Entities))
		for i, e := range res.Entities {
			names[i] = e.Name
		}
		fmt.Printf("entities: %s\n", strings.Join(names, ", "))
	}
}

func snippet(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}

// =============================================================================
// 🗑️ delete 命令
// =============================================================================

func runDelete(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	kb := fs.String("kb", "default", "Knowledge base ID")
	docID := fs.String("doc", "", "Document ID")
	fs.Parse(args)

	if *docID == "" {
		fmt.Fprintln(os.Stderr, "delete: --doc is required")
		os.Exit(1)
	}

	cfg, logger := loadConfigAndLogger(*configPath)
	defer logger.Sync()

	app, err := buildApp(cfg, logger)
	if err != nil {
		logger.Fatal("initialize pipeline", zap.Error(err))
	}
	defer app.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.orchestrator.DeleteDocument(ctx, *kb, *docID); err != nil {
		logger.Fatal("delete document", zap.Error(err))
	}
	fmt.Printf("deleted %s from %s\n", *docID, *kb)
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("KnowledgeCore %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`KnowledgeCore - Document Ingestion & Hybrid Retrieval

Usage:
  knowledgecore <command> [options]

Commands:
  ingest    Ingest a document into a knowledge base
  query     Run a hybrid retrieval query
  delete    Delete a document and its graph provenance
  version   Show version information
  help      Show this help message

Options for 'ingest':
  --config <path>   Path to configuration file (YAML)
  --kb <id>         Knowledge base ID (default "default")
  --doc <id>        Document ID (defaults to file name)
  --file <path>     Path to the document (required)
  --format <fmt>    Document format (defaults to file extension)

Options for 'query':
  --config <path>   Path to configuration file (YAML)
  --kb <id>         Knowledge base ID
  --query <text>    Query text (required)
  --top-k <n>       Number of results
  --rerank          Rerank results with the configured model

Examples:
  knowledgecore ingest --kb docs --file handbook.md
  knowledgecore query --kb docs --query "where does alice work" --top-k 5
  knowledgecore delete --kb docs --doc handbook
  knowledgecore version`)
}

// =============================================================================
// 🔧 配置与日志初始化
// =============================================================================

func loadConfigAndLogger(configPath string) (*config.Config, *zap.Logger) {
	loader := config.NewLoader().WithValidator(config.Validate)
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg, initLogger(cfg.Log)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func shutdownTelemetry(p *telemetry.Providers) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
	}
}

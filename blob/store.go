// Package blob 提供文档源字节的读取抽象。
// 核心管线只依赖单一的 Read 能力，写入与生命周期由外部系统负责。
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/knowledgecore/types"
)

// Store 字节读取契约。
type Store interface {
	// Read 按引用读取文档源字节。
	Read(ctx context.Context, ref string) ([]byte, error)
}

// LocalStore 基于本地文件系统的实现。引用为相对根目录的路径。
type LocalStore struct {
	root   string
	logger *zap.Logger
}

// NewLocalStore 创建本地文件存储。
func NewLocalStore(root string, logger *zap.Logger) *LocalStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalStore{
		root:   root,
		logger: logger.With(zap.String("component", "blob_store")),
	}
}

// Read 读取文件内容。引用不得逃出根目录。
func (s *LocalStore) Read(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clean := filepath.Clean(ref)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("blob ref escapes store root: %s", ref))
	}

	path := filepath.Join(s.root, clean)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("blob %s not found", ref)).WithCause(err)
		}
		return nil, types.NewError(types.ErrStoreError, "read blob").WithCause(err)
	}

	s.logger.Debug("blob read", zap.String("ref", ref), zap.Int("bytes", len(data)))
	return data, nil
}

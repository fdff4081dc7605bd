// Package backends 按配置打开具体存储后端。
// 独立于 store 包存在：各后端实现包 import store，
// 工厂放在 store 内会形成循环依赖。
package backends

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/knowledgecore/config"
	"github.com/BaSui01/knowledgecore/internal/database"
	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/store/gormstore"
	"github.com/BaSui01/knowledgecore/store/mongostore"
	"github.com/BaSui01/knowledgecore/store/redisstore"
)

// Open 根据配置创建存储后端。
// 支持 memory、redis、gorm（postgres/mysql/sqlite）与 mongo。
func Open(cfg config.StoreConfig, logger *zap.Logger) (store.Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return store.NewMemoryBackend(logger), nil

	case "redis":
		return redisstore.New(redisstore.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, logger)

	case "gorm", "sql", "postgres", "mysql", "sqlite":
		dbCfg := cfg.Database
		if dbCfg.Driver == "" && cfg.Backend != "gorm" && cfg.Backend != "sql" {
			dbCfg.Driver = cfg.Backend
		}
		pool, err := database.Open(dbCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		backend, err := gormstore.New(pool.DB(), logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return &pooledBackend{Backend: backend, pool: pool}, nil

	case "mongo", "mongodb":
		return mongostore.New(mongostore.Config{
			URI:      cfg.Mongo.URI,
			Database: cfg.Mongo.Database,
		}, logger)

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// pooledBackend 让 Close 同时停掉连接池的健康检查。
type pooledBackend struct {
	store.Backend
	pool *database.PoolManager
}

func (p *pooledBackend) Close() error {
	return p.pool.Close()
}

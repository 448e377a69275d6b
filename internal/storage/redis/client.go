package redis

import (
	"context"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"OpenLLM-Core/internal/config"
	xerrors "OpenLLM-Core/internal/errors"
)

const pingTimeout = 3 * time.Second

// NewClient 创建客户端并检查连通性。
func NewClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return client, nil
}

// KeyOr 返回配置的键名，未配置时使用默认值。
func KeyOr(cfg config.RedisConfig, def string) string {
	if k := strings.TrimSpace(cfg.Key); k != "" {
		return k
	}
	return def
}

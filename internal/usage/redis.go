package usage

import (
	"context"
	"encoding/json"

	goredis "github.com/redis/go-redis/v9"

	xerrors "OpenLLM-Core/internal/errors"
)

// redisCommander 是 Redis sink 用到的命令子集，*goredis.Client 满足该接口。
type redisCommander interface {
	RPush(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	HIncrBy(ctx context.Context, key, field string, incr int64) *goredis.IntCmd
	HIncrByFloat(ctx context.Context, key, field string, incr float64) *goredis.FloatCmd
}

// Redis 把记录 RPUSH 到列表，并在 <key>:totals:<model> 哈希中累加总量。
type Redis struct {
	client redisCommander
	closer func() error
	key    string
}

// NewRedis 使用已连接的客户端创建 sink。
func NewRedis(client *goredis.Client, key string) *Redis {
	s := newRedis(client, key)
	s.closer = client.Close
	return s
}

func newRedis(client redisCommander, key string) *Redis {
	if key == "" {
		key = "llmcore:usage"
	}
	return &Redis{client: client, key: key}
}

// LogTurn 写入明细与聚合值。
func (r *Redis) LogTurn(ctx context.Context, record Record) error {
	record = record.normalize()
	payload, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化用量记录失败")
	}
	if err := r.client.RPush(ctx, r.key, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 用量列表失败")
	}

	totals := r.TotalsKey(record.Model)
	failed := int64(0)
	if !record.Success {
		failed = 1
	}
	for field, incr := range map[string]int64{
		"calls":         1,
		"failures":      failed,
		"input_tokens":  int64(record.InputTokens),
		"output_tokens": int64(record.OutputTokens),
	} {
		if err := r.client.HIncrBy(ctx, totals, field, incr).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 Redis 用量汇总失败")
		}
	}
	if err := r.client.HIncrByFloat(ctx, totals, "cost", record.Cost).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 Redis 用量汇总失败")
	}
	return nil
}

// TotalsKey 返回模型汇总哈希的键名。
func (r *Redis) TotalsKey(model string) string {
	return r.key + ":totals:" + model
}

// Close 关闭底层客户端。
func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

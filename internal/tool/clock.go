package tool

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
)

// ClockName 是内置时间工具的名称。
const ClockName = "get_current_time"

const clockLayout = "3:04 PM on Monday, 1/2/2006"

// Clock 返回当前时间，可选参数 timezone 为 IANA 时区名。
type Clock struct {
	now func() time.Time
}

// NewClock 创建时间工具，now 为 nil 时使用 time.Now。
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Definition 返回工具定义。
func (c *Clock) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        ClockName,
		Description: "Get the current time.",
		Parameters: json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string",` +
			`"description":"Optional IANA time zone such as Europe/Paris. Defaults to the server time zone."}}}`),
	}
}

// Invoke 返回 {"time": "..."}。
func (c *Clock) Invoke(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", xerrors.Wrap(xerrors.CodeToolExecution, err, "invalid arguments")
		}
	}
	now := c.now()
	if tz := strings.TrimSpace(in.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeToolExecution, err, "unknown time zone "+tz)
		}
		now = now.In(loc)
	}
	out, _ := json.Marshal(map[string]string{"time": now.Format(clockLayout)})
	return string(out), nil
}

// ConcurrencySafe 时间工具没有共享状态。
func (c *Clock) ConcurrencySafe() bool { return true }

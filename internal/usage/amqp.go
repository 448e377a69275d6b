package usage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "OpenLLM-Core/internal/errors"
)

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQP 把记录发布到 topic exchange，路由键为模型 ID。
type AMQP struct {
	pub      publisher
	exchange string
	conn     *amqp.Connection
	channel  *amqp.Channel
}

// NewAMQP 连接 RabbitMQ 并声明 exchange。
func NewAMQP(url, exchange string) (*AMQP, error) {
	if strings.TrimSpace(url) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	if exchange == "" {
		exchange = "llmcore.usage"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ exchange 失败")
	}
	s := newAMQP(ch, exchange)
	s.conn = conn
	s.channel = ch
	return s, nil
}

func newAMQP(pub publisher, exchange string) *AMQP {
	return &AMQP{pub: pub, exchange: exchange}
}

// LogTurn 发布一条持久化消息。
func (a *AMQP) LogTurn(ctx context.Context, record Record) error {
	record = record.normalize()
	body, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化用量记录失败")
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    record.ID,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if err := a.pub.PublishWithContext(ctx, a.exchange, record.Model, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布用量记录失败")
	}
	return nil
}

// Close 关闭 channel 与连接。
func (a *AMQP) Close() error {
	if a.channel != nil {
		_ = a.channel.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

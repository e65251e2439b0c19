package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"market-extremes/internal/alert"
)

// DefaultSubject 为未配置主题时的发布主题。
const DefaultSubject = "alerts.extremes"

// Publisher 是 *nats.Conn 的发布子集。
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message 是发布到 NATS 的 JSON 载荷。
type Message struct {
	Symbol      string                      `json:"symbol"`
	TimestampMs int64                       `json:"timestamp_ms"`
	Price       float64                     `json:"price,omitempty"`
	Level       alert.Level                 `json:"level,omitempty"`
	Dimensions  []alert.DimensionPercentile `json:"dimensions,omitempty"`
	Insights    []alert.Insight             `json:"insights,omitempty"`
	Absolute    []alert.AbsoluteAlert       `json:"absolute,omitempty"`
	PriceLevels []alert.PriceCross          `json:"price_levels,omitempty"`
	Headline    string                      `json:"headline,omitempty"`
}

// NATSNotifier 将告警以 JSON 发布到 NATS 主题，供下游消费。
type NATSNotifier struct {
	conn    *nats.Conn
	pub     Publisher
	subject string
	logger  zerolog.Logger
}

// NewNATSNotifier 连接 NATS，断线后无限重连。
func NewNATSNotifier(url, subject string, logger zerolog.Logger) (*NATSNotifier, error) {
	l := logger.With().Str("component", "alert_nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name("extremewatch"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("NATS 连接断开")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			l.Info().Msg("NATS 重新连接成功")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	n := NewNATSNotifierWithPublisher(nc, subject, logger)
	n.conn = nc
	return n, nil
}

// NewNATSNotifierWithPublisher 使用已有的发布者构造告警器。
func NewNATSNotifierWithPublisher(pub Publisher, subject string, logger zerolog.Logger) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{
		pub:     pub,
		subject: subject,
		logger:  logger.With().Str("component", "alert_nats").Logger(),
	}
}

// Notify 发布告警并在持有连接时等待服务端确认。
func (n *NATSNotifier) Notify(ctx context.Context, note Notification) error {
	payload, err := json.Marshal(Message{
		Symbol:      note.Symbol,
		TimestampMs: note.Time.UnixMilli(),
		Price:       note.Price,
		Level:       note.Level,
		Dimensions:  note.Dimensions,
		Insights:    note.Insights,
		Absolute:    note.Absolute,
		PriceLevels: note.PriceCrosses,
		Headline:    note.Headline,
	})
	if err != nil {
		return fmt.Errorf("marshal nats payload: %w", err)
	}
	subject := n.subject + "." + note.Symbol
	if err := n.pub.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if n.conn != nil {
		if err := n.conn.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("flush nats: %w", err)
		}
	}
	n.logger.Debug().Str("subject", subject).Msg("告警已发布 (NATS)")
	return nil
}

// Close 排空并关闭连接。
func (n *NATSNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}

var _ Notifier = (*NATSNotifier)(nil)

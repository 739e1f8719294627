package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix はNATSに転送するイベントのサブジェクト接頭辞。
const SubjectPrefix = "receteci.events."

// natsPublisher は*nats.Connのうち転送に使うメソッド。
type natsPublisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

// NATSForwarder はバスのイベントをNATSのサブジェクトに転送する購読者。
// 完了イベントはFlushでサーバーへの到達を確認し、失敗した場合はエラーを返して再送させる。
type NATSForwarder struct {
	pub          natsPublisher
	conn         *nats.Conn
	flushTimeout time.Duration
	logger       *slog.Logger
}

// NewNATSForwarder はNATSサーバーに接続してNATSForwarderを生成する。
func NewNATSForwarder(url string, logger *slog.Logger) (*NATSForwarder, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("receteci"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATSから切断されました", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATSに再接続しました", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("NATSへの接続に失敗しました: %w", err)
	}
	f := newNATSForwarder(nc, logger)
	f.conn = nc
	return f, nil
}

func newNATSForwarder(pub natsPublisher, logger *slog.Logger) *NATSForwarder {
	return &NATSForwarder{
		pub:          pub,
		flushTimeout: 2 * time.Second,
		logger:       logger,
	}
}

// Subject はイベント種類に対応するサブジェクトを返す。
func Subject(kind Kind) string {
	return SubjectPrefix + string(kind)
}

// Handle はイベントをNATSに転送する。BusのHandlerとして登録する。
func (f *NATSForwarder) Handle(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗しました: %w", err)
	}
	if err := f.pub.Publish(Subject(e.Kind), data); err != nil {
		return fmt.Errorf("イベントの転送に失敗しました: %w", err)
	}
	if e.Kind.Completion() {
		if err := f.pub.FlushTimeout(f.flushTimeout); err != nil {
			return fmt.Errorf("イベントの転送確認に失敗しました: %w", err)
		}
	}
	return nil
}

// Close は送信中のメッセージを送り切ってから接続を閉じる。
func (f *NATSForwarder) Close() {
	if f.conn == nil {
		return
	}
	if err := f.conn.Drain(); err != nil {
		f.logger.Warn("NATS接続のドレインに失敗しました", slog.String("error", err.Error()))
	}
}

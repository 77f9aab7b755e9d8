package webhooknotify

import (
	"context"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/poskeeper/internal/ports"
)

var notifyLog = logrus.WithField("component", "webhook_notifier")

// Config 推送配置
type Config struct {
	// WebhookURL 告警接收端点
	WebhookURL string
	// Timeout 单次推送超时，默认 5s
	Timeout time.Duration
	// Retries 失败重试次数，默认 2
	Retries int
}

// payload 发往 webhook 的消息体
type payload struct {
	EventType string         `json:"eventType"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier 通过 HTTP webhook 发送告警，实现 ports.Notifier。
// IdempotencyKey 相同的通知在进程内只发送一次。
type Notifier struct {
	cfg    Config
	client *resty.Client

	mu   sync.Mutex
	seen map[string]struct{}
}

// New 创建 webhook 通知器。
func New(cfg Config) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 2
	}
	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY）
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second)
	return &Notifier{
		cfg:    cfg,
		client: client,
		seen:   make(map[string]struct{}),
	}
}

// Notify 发送一条告警。
func (n *Notifier) Notify(ctx context.Context, msg ports.Notification) error {
	if msg.IdempotencyKey != "" {
		n.mu.Lock()
		if _, dup := n.seen[msg.IdempotencyKey]; dup {
			n.mu.Unlock()
			notifyLog.Debugf("重复告警已抑制: key=%s", msg.IdempotencyKey)
			return nil
		}
		n.seen[msg.IdempotencyKey] = struct{}{}
		n.mu.Unlock()
	}

	body := payload{
		EventType: msg.EventType,
		Title:     msg.Title,
		Message:   msg.Message,
		Data:      msg.Data,
		Timestamp: time.Now(),
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(n.cfg.WebhookURL)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	if !resp.IsSuccess() {
		return errors.Errorf("webhook non-2xx: %s", resp.Status())
	}
	notifyLog.Infof("📣 告警已推送: type=%s title=%s", msg.EventType, msg.Title)
	return nil
}

// LogNotifier 未配置 webhook 时的降级实现：只打日志。
type LogNotifier struct{}

// Notify 把告警写入日志。
func (LogNotifier) Notify(ctx context.Context, msg ports.Notification) error {
	notifyLog.Warnf("📣 [%s] %s: %s", msg.EventType, msg.Title, msg.Message)
	return nil
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emojirelay/backend/internal/logging"
	"github.com/emojirelay/backend/internal/models"
)

const (
	sendPath      = "/cgi-bin/singlesend"
	richTextType  = "1"
	defaultLang   = "zh_CN"
	defaultPrefix = "表情处理完成："
	defaultLink   = "查看详情"
)

// Config carries the admin session and deep link target used for notices.
type Config struct {
	BaseURL     string
	Token       string
	Cookie      string
	Fingerprint string
	Referer     string
	AppID       string
	PagePath    string
	Prefix      string
	LinkText    string
	Timeout     time.Duration
}

// Delivery pairs a fetched item with the reference it was stored under.
type Delivery struct {
	Item *models.Item
	Ref  string
}

// Notifier sends a mini-program deep link back to the user who sent an item.
type Notifier struct {
	cfg    Config
	client *http.Client
}

// New constructs a Notifier. A nil client gets one bounded by cfg.Timeout.
func New(cfg Config, client *http.Client) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.LinkText == "" {
		cfg.LinkText = defaultLink
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Notifier{cfg: cfg, client: client}
}

// Notify sends one notice for the first delivery in batch. An empty batch is a
// no-op and a missing token is logged without failing.
func (n *Notifier) Notify(ctx context.Context, userKey string, batch []Delivery) error {
	if len(batch) == 0 {
		return nil
	}
	logger := logging.FromContext(ctx)
	if n.cfg.Token == "" {
		logger.Error("admin token not configured, skipping notification", "userKey", userKey)
		return nil
	}

	content := n.Content(batch[0].Ref)

	form := url.Values{}
	form.Set("tofakeid", userKey)
	form.Set("type", richTextType)
	form.Set("token", n.cfg.Token)
	form.Set("lang", defaultLang)
	form.Set("f", "json")
	form.Set("ajax", "1")
	form.Set("content", content)
	if n.cfg.Fingerprint != "" {
		form.Set("fingerprint", n.cfg.Fingerprint)
	}

	reqCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	endpoint := n.cfg.BaseURL + sendPath + "?t=ajax-response&f=json"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if n.cfg.Referer != "" {
		req.Header.Set("Referer", n.cfg.Referer)
	}
	if n.cfg.Cookie != "" {
		req.Header.Set("Cookie", n.cfg.Cookie)
	}

	logger.Debug("sending notification", "userKey", userKey, "contentLength", len(content))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send notification: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read notification response: %w", err)
	}
	if ret, ok := baseRet(body); ok && ret != 0 {
		return &SendError{Ret: ret}
	}

	logger.Info("notification sent", "userKey", userKey)
	return nil
}

// Content renders the rich-text notice linking to ref.
func (n *Notifier) Content(ref string) string {
	return fmt.Sprintf(`%s <a data-miniprogram-appid="%s" data-miniprogram-path="%s?fileId=%s">%s</a>`,
		n.cfg.Prefix, n.cfg.AppID, n.cfg.PagePath, EncodeURIComponent(ref), n.cfg.LinkText)
}

// SendError reports a non-zero base_resp.ret from the admin backend.
type SendError struct {
	Ret int
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send notification: backend returned ret %d", e.Ret)
}

// IsSendError reports whether err carries a backend rejection.
func IsSendError(err error) bool {
	var target *SendError
	return errors.As(err, &target)
}

func baseRet(body []byte) (int, bool) {
	var payload struct {
		BaseResp *struct {
			Ret int `json:"ret"`
		} `json:"base_resp"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.BaseResp == nil {
		return 0, false
	}
	return payload.BaseResp.Ret, true
}

var uriComponentReplacer = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// EncodeURIComponent escapes s the way browsers encode a URI component.
func EncodeURIComponent(s string) string {
	return uriComponentReplacer.Replace(url.QueryEscape(s))
}

package messages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emojirelay/backend/internal/logging"
	"github.com/emojirelay/backend/internal/models"
)

// ErrFetcherUnavailable indicates the fetcher has not been configured.
var ErrFetcherUnavailable = errors.New("message fetcher unavailable")

const (
	pagePath     = "/cgi-bin/singlesendpage"
	downloadPath = "/cgi-bin/downloadfile"
	defaultLang  = "zh_CN"
)

// FetcherConfig carries the admin session used to query the backend.
type FetcherConfig struct {
	BaseURL     string
	Token       string
	Cookie      string
	Fingerprint string
	Timeout     time.Duration
}

// Hints narrows a fetch to one conversation.
type Hints struct {
	UserKey   string
	CreatedAt string
}

// Fetcher queries the admin backend for the newest message a user sent.
type Fetcher struct {
	cfg    FetcherConfig
	client *http.Client
	cache  *UserCache
}

// NewFetcher constructs a Fetcher. A nil client gets one bounded by cfg.Timeout.
func NewFetcher(cfg FetcherConfig, cache *UserCache, client *http.Client) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cache == nil {
		cache = NewUserCache()
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Fetcher{cfg: cfg, client: client, cache: cache}
}

// Cache exposes the fetcher's user cache.
func (f *Fetcher) Cache() *UserCache {
	if f == nil {
		return nil
	}
	return f.cache
}

// FetchLatest returns the newest message for the user in hints, or nil when
// the backend reports an error code or an empty conversation.
func (f *Fetcher) FetchLatest(ctx context.Context, hints Hints) (*models.Item, error) {
	if f == nil || f.client == nil {
		return nil, ErrFetcherUnavailable
	}

	logger := logging.FromContext(ctx)

	query := f.buildQuery(hints)
	if lastID, ok := f.cache.LastSeen(hints.UserKey); ok {
		query.Set("lastmsgid", lastID)
		logger.Debug("using cached last message id", "userKey", hints.UserKey, "lastMsgId", lastID)
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.cfg.BaseURL+pagePath+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	if f.cfg.Cookie != "" {
		req.Header.Set("Cookie", f.cfg.Cookie)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch latest message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch latest message: unexpected status %d", resp.StatusCode)
	}

	var payload pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode message page: %w", err)
	}

	if payload.BaseResp.Ret != 0 {
		logger.Warn("backend returned error code", "ret", payload.BaseResp.Ret, "userKey", hints.UserKey)
		return nil, nil
	}

	items := payload.PageInfo.MsgItems.MsgItem
	if len(items) == 0 {
		logger.Info("no messages available", "userKey", hints.UserKey)
		return nil, nil
	}

	first := items[0]
	item := &models.Item{
		ID:           string(first.ID),
		ID64:         string(first.ID64),
		AuthorName:   first.NickName,
		CreatedAt:    string(first.DateTime),
		Kind:         first.Type,
		AssetURL:     f.DownloadURL(string(first.ID)),
		ThumbnailURL: first.SmallHeadImgURL,
	}

	logger.Info("fetched latest message", "msgId", item.ID, "nickName", item.AuthorName, "type", item.Kind)

	if identity := payload.PageInfo.IdentityOpenID; identity != "" && item.ID != "" {
		f.cache.Remember(hints.UserKey, identity, item.ID)
		logger.Debug("cached last message id", slog.String("identity", identity), slog.String("msgId", item.ID))
	}

	return item, nil
}

// DownloadURL builds the platform download link for a message's attachment.
func (f *Fetcher) DownloadURL(msgID string) string {
	params := url.Values{}
	params.Set("msgid", msgID)
	params.Set("token", f.cfg.Token)
	params.Set("lang", defaultLang)
	return f.cfg.BaseURL + downloadPath + "?" + params.Encode()
}

func (f *Fetcher) buildQuery(hints Hints) url.Values {
	q := url.Values{}
	q.Set("action", "index")
	q.Set("f", "json")
	q.Set("ajax", "1")
	q.Set("lang", defaultLang)
	q.Set("tofakeid", hints.UserKey)
	q.Set("lastmsgfromfakeid", hints.UserKey)
	q.Set("createtime", hints.CreatedAt)
	q.Set("token", f.cfg.Token)
	if f.cfg.Fingerprint != "" {
		q.Set("fingerprint", f.cfg.Fingerprint)
	}
	return q
}

type pageResponse struct {
	BaseResp struct {
		Ret int `json:"ret"`
	} `json:"base_resp"`
	PageInfo struct {
		IdentityOpenID string `json:"identity_open_id"`
		MsgItems       struct {
			MsgItem []pageItem `json:"msg_item"`
		} `json:"msg_items"`
	} `json:"page_info"`
}

type pageItem struct {
	ID              flexString `json:"id"`
	ID64            flexString `json:"id_64bit"`
	NickName        string     `json:"nick_name"`
	DateTime        flexString `json:"date_time"`
	Type            int        `json:"type"`
	SmallHeadImgURL string     `json:"small_headimg_url"`
}

// flexString accepts either a JSON string or a JSON number.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = flexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = flexString(num.String())
	return nil
}

package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emojirelay/backend/internal/async"
	"github.com/emojirelay/backend/internal/messages"
	"github.com/emojirelay/backend/internal/models"
	"github.com/emojirelay/backend/internal/notify"
	"github.com/emojirelay/backend/internal/storage"
)

type fetcherStub struct {
	item  *models.Item
	err   error
	hints []messages.Hints
}

func (f *fetcherStub) FetchLatest(_ context.Context, hints messages.Hints) (*models.Item, error) {
	f.hints = append(f.hints, hints)
	return f.item, f.err
}

type transferStub struct {
	ref     string
	err     error
	sources []string
}

func (t *transferStub) Transfer(_ context.Context, sourceURL string) (string, error) {
	t.sources = append(t.sources, sourceURL)
	return t.ref, t.err
}

type notifierStub struct {
	mu      sync.Mutex
	err     error
	users   []string
	batches [][]notify.Delivery
}

func (n *notifierStub) Notify(_ context.Context, userKey string, batch []notify.Delivery) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userKey)
	n.batches = append(n.batches, batch)
	return n.err
}

func (n *notifierStub) calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.users)
}

type recorderStub struct {
	mu     sync.Mutex
	states []string
}

func (r *recorderStub) PipelineFinished(state string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

var sampleItem = &models.Item{ID: "M1", AssetURL: "https://x/img"}

func TestRunRelaysItem(t *testing.T) {
	fetcher := &fetcherStub{item: sampleItem}
	transfer := &transferStub{ref: "bucket1/emoji/1-abc.png"}
	notifier := &notifierStub{}
	recorder := &recorderStub{}

	p := NewPipeline(fetcher, transfer, notifier, nil, recorder)
	state := p.Run(context.Background(), Trigger{UserKey: "U1", CreatedAt: "1700000000"})

	assert.Equal(t, StateDone, state)
	assert.Equal(t, []messages.Hints{{UserKey: "U1", CreatedAt: "1700000000"}}, fetcher.hints)
	assert.Equal(t, []string{"https://x/img"}, transfer.sources)
	require.Len(t, notifier.batches, 1)
	assert.Equal(t, "U1", notifier.users[0])
	assert.Equal(t, []notify.Delivery{{Item: sampleItem, Ref: "bucket1/emoji/1-abc.png"}}, notifier.batches[0])
	assert.Equal(t, []string{"done"}, recorder.states)
}

func TestRunFallsBackToSourceURL(t *testing.T) {
	notifier := &notifierStub{}
	p := NewPipeline(&fetcherStub{item: sampleItem}, &transferStub{err: storage.ErrObjectStoreUnavailable}, notifier, nil, nil)

	state := p.Run(context.Background(), Trigger{UserKey: "U1"})

	assert.Equal(t, StateDone, state)
	require.Len(t, notifier.batches, 1)
	assert.Equal(t, "https://x/img", notifier.batches[0][0].Ref)
}

func TestRunAborts(t *testing.T) {
	cases := map[string]*fetcherStub{
		"no item":     {},
		"fetch error": {err: errors.New("timeout")},
	}
	for name, fetcher := range cases {
		t.Run(name, func(t *testing.T) {
			transfer := &transferStub{}
			notifier := &notifierStub{}
			recorder := &recorderStub{}

			state := NewPipeline(fetcher, transfer, notifier, nil, recorder).Run(context.Background(), Trigger{UserKey: "U1"})

			assert.Equal(t, StateAborted, state)
			assert.Empty(t, transfer.sources)
			assert.Zero(t, notifier.calls())
			assert.Equal(t, []string{"aborted"}, recorder.states)
		})
	}
}

func TestRunSwallowsNotifyFailure(t *testing.T) {
	notifier := &notifierStub{err: errors.New("ret 200002")}
	p := NewPipeline(&fetcherStub{item: sampleItem}, &transferStub{ref: "b/k"}, notifier, nil, nil)

	assert.Equal(t, StateDone, p.Run(context.Background(), Trigger{UserKey: "U1"}))
	assert.Equal(t, 1, notifier.calls())
}

func TestDispatchIsDetached(t *testing.T) {
	release := make(chan struct{})
	fetcher := blockingFetcher{release: release, item: sampleItem}
	notifier := &notifierStub{}
	group := async.NewGroup(nil)

	p := NewPipeline(fetcher, &transferStub{ref: "b/k"}, notifier, group, nil)

	reqCtx, cancelReq := context.WithCancel(context.Background())
	require.NoError(t, p.Dispatch(reqCtx, Trigger{UserKey: "U1"}))
	cancelReq()

	assert.Zero(t, notifier.calls(), "dispatch must not wait for the run")
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, group.Shutdown(ctx))
	assert.Equal(t, 1, notifier.calls(), "request cancellation must not stop the run")
}

func TestDispatchRecoversPanics(t *testing.T) {
	group := async.NewGroup(nil)
	p := NewPipeline(panickingFetcher{}, &transferStub{}, &notifierStub{}, group, nil)

	require.NoError(t, p.Dispatch(context.Background(), Trigger{UserKey: "U1"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, group.Shutdown(ctx))
}

type blockingFetcher struct {
	release <-chan struct{}
	item    *models.Item
}

func (b blockingFetcher) FetchLatest(ctx context.Context, _ messages.Hints) (*models.Item, error) {
	select {
	case <-b.release:
		return b.item, ctx.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type panickingFetcher struct{}

func (panickingFetcher) FetchLatest(context.Context, messages.Hints) (*models.Item, error) {
	panic("fetcher exploded")
}

type bucketStore struct {
	mu   sync.Mutex
	keys []string
}

func (b *bucketStore) Bucket() string { return "bucket1" }

func (b *bucketStore) Put(_ context.Context, obj storage.Object) error {
	if _, err := io.Copy(io.Discard, obj.Body); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, obj.Key)
	return nil
}

type tokenSource struct{}

func (tokenSource) AssetMetadata(context.Context, string) (string, error) { return "meta", nil }

func TestEndToEndRelay(t *testing.T) {
	var (
		mu   sync.Mutex
		sent url.Values
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/singlesendpage", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "U1", r.URL.Query().Get("tofakeid"))
		assert.Equal(t, "1700000000", r.URL.Query().Get("createtime"))
		_, _ = w.Write([]byte(`{"base_resp":{"ret":0},"page_info":{"identity_open_id":"open-1","msg_items":{"msg_item":[{"id":"M1","type":47}]}}}`))
	})
	mux.HandleFunc("/cgi-bin/downloadfile", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "M1", r.URL.Query().Get("msgid"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG"))
	})
	mux.HandleFunc("/cgi-bin/singlesend", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		mu.Lock()
		sent = r.PostForm
		mu.Unlock()
		_, _ = w.Write([]byte(`{"base_resp":{"ret":0}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	adminURL := srv.URL

	fetcher := messages.NewFetcher(messages.FetcherConfig{BaseURL: adminURL, Token: "tok"}, messages.NewUserCache(), srv.Client())
	store := &bucketStore{}
	transfer := storage.NewTransfer(store, tokenSource{}, storage.TransferConfig{}, srv.Client())
	notifier := notify.New(notify.Config{BaseURL: adminURL, Token: "tok", AppID: "wx1", PagePath: "pages/emoji/index"}, srv.Client())

	state := NewPipeline(fetcher, transfer, notifier, nil, nil).Run(context.Background(), Trigger{UserKey: "U1", CreatedAt: "1700000000"})
	require.Equal(t, StateDone, state)

	require.Len(t, store.keys, 1)
	key := store.keys[0]
	assert.True(t, strings.HasPrefix(key, "emoji/"))
	assert.True(t, strings.HasSuffix(key, ".png"))

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, sent)
	assert.Contains(t, sent.Get("content"), "fileId="+notify.EncodeURIComponent("bucket1/"+key))
	assert.Equal(t, "U1", sent.Get("tofakeid"))
}

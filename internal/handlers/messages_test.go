package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emojirelay/backend/internal/relay"
)

type dispatcherStub struct {
	err      error
	triggers []relay.Trigger
}

func (d *dispatcherStub) Dispatch(_ context.Context, trigger relay.Trigger) error {
	d.triggers = append(d.triggers, trigger)
	return d.err
}

func TestMessageHandlerDispatches(t *testing.T) {
	cases := map[string]struct {
		contentType string
		body        string
		want        relay.Trigger
	}{
		"json numeric time": {
			contentType: "application/json",
			body:        `{"ToUserName":"gh_1","FromUserName":"U1","CreateTime":1700000000,"MsgType":"image"}`,
			want:        relay.Trigger{UserKey: "U1", CreatedAt: "1700000000"},
		},
		"json string time": {
			contentType: "application/json; charset=utf-8",
			body:        `{"FromUserName":" U2 ","CreateTime":"1700000001"}`,
			want:        relay.Trigger{UserKey: "U2", CreatedAt: "1700000001"},
		},
		"json without time": {
			body: `{"FromUserName":"U3"}`,
			want: relay.Trigger{UserKey: "U3"},
		},
		"form": {
			contentType: "application/x-www-form-urlencoded",
			body:        url.Values{"FromUserName": {"U4"}, "CreateTime": {"1700000002"}}.Encode(),
			want:        relay.Trigger{UserKey: "U4", CreatedAt: "1700000002"},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			relayStub := &dispatcherStub{}
			req := httptest.NewRequest(http.MethodPost, "/api/msg", strings.NewReader(tc.body))
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			rec := httptest.NewRecorder()

			MessageHandler{Relay: relayStub}.Receive(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "success", rec.Body.String())
			require.Len(t, relayStub.triggers, 1)
			assert.Equal(t, tc.want, relayStub.triggers[0])
		})
	}
}

func TestMessageHandlerAlwaysAcknowledges(t *testing.T) {
	cases := map[string]struct {
		body         string
		dispatchErr  error
		wantDispatch int
	}{
		"malformed body":   {body: `{not json`},
		"missing sender":   {body: `{"CreateTime":1}`},
		"dispatch refused": {body: `{"FromUserName":"U1"}`, dispatchErr: errors.New("closed"), wantDispatch: 1},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			relayStub := &dispatcherStub{err: tc.dispatchErr}
			rec := httptest.NewRecorder()
			MessageHandler{Relay: relayStub}.Receive(rec, httptest.NewRequest(http.MethodPost, "/api/msg", strings.NewReader(tc.body)))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "success", rec.Body.String())
			assert.Len(t, relayStub.triggers, tc.wantDispatch)
		})
	}
}

func TestMessageHandlerRejectsGet(t *testing.T) {
	rec := httptest.NewRecorder()
	MessageHandler{}.Receive(rec, httptest.NewRequest(http.MethodGet, "/api/msg", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

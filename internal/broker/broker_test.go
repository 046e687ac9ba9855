package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBrokerServer(t *testing.T, handler http.HandlerFunc) *Broker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", Bucket: "bucket1", Timeout: time.Second}, srv.Client())
}

func TestCredentialMapsFieldsVerbatim(t *testing.T) {
	var calls atomic.Int32
	b := newBrokerServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, authPath, r.URL.Path)
		_, _ = w.Write([]byte(`{"TmpSecretId":"id","TmpSecretKey":"secret","Token":"tok","ExpiredTime":1700000600}`))
	})

	cred, err := b.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "id", cred.AccessID)
	assert.Equal(t, "secret", cred.AccessSecret)
	assert.Equal(t, "tok", cred.SecurityToken)
	assert.Equal(t, time.Unix(1700000600, 0).UTC(), cred.ExpiresAt)

	_, err = b.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "credentials are never reused")
}

func TestRetrieveAdaptsToSDKCredentials(t *testing.T) {
	b := newBrokerServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"TmpSecretId":"id","TmpSecretKey":"secret","Token":"tok","ExpiredTime":1700000600}`))
	})

	creds, err := b.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "id", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)
	assert.Equal(t, "tok", creds.SessionToken)
	assert.True(t, creds.CanExpire)
	assert.Equal(t, credentialSource, creds.Source)
}

func TestRetrieveRejectsEmptyCredential(t *testing.T) {
	b := newBrokerServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := b.Retrieve(context.Background())
	require.ErrorIs(t, err, ErrEmptyCredential)
}

func TestCredentialTransportError(t *testing.T) {
	b := newBrokerServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := b.Credential(context.Background())
	require.Error(t, err)
}

func TestAssetMetadataReturnsFirstToken(t *testing.T) {
	b := newBrokerServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, metadataPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req metadataRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "", req.OpenID)
		assert.Equal(t, "bucket1", req.Bucket)
		assert.Equal(t, []string{"emoji/1-abc.png"}, req.Paths)

		_, _ = w.Write([]byte(`{"errcode":0,"respdata":{"x_cos_meta_field_strs":["meta-token"]}}`))
	})

	token, err := b.AssetMetadata(context.Background(), "emoji/1-abc.png")
	require.NoError(t, err)
	assert.Equal(t, "meta-token", token)
}

func TestAssetMetadataMissingToken(t *testing.T) {
	bodies := []string{
		`{"errcode":0,"respdata":{"x_cos_meta_field_strs":[]}}`,
		`{"errcode":0,"respdata":{"x_cos_meta_field_strs":[""]}}`,
		`{"errcode":0}`,
		`{"errcode":-1,"errmsg":"denied"}`,
	}
	for _, body := range bodies {
		body := body
		b := newBrokerServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		})
		_, err := b.AssetMetadata(context.Background(), "emoji/x.jpg")
		require.ErrorIs(t, err, ErrNoMetadataToken, body)
	}
}

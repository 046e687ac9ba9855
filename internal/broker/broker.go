package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/emojirelay/backend/internal/models"
)

var (
	// ErrNoMetadataToken indicates the broker did not return a usable metadata token.
	ErrNoMetadataToken = errors.New("broker returned no metadata token")
	// ErrEmptyCredential indicates the broker returned a credential without keys.
	ErrEmptyCredential = errors.New("broker returned empty credential")
)

const (
	authPath     = "/_/cos/getauth"
	metadataPath = "/_/cos/metaid/encode"

	credentialSource = "WeixinCloudBroker"
)

// Config points the broker at the cloud hosting authorization endpoints.
type Config struct {
	BaseURL string
	Bucket  string
	Timeout time.Duration
}

// Broker exchanges the hosting environment's identity for short-lived object
// store credentials and upload metadata tokens. Each call hits the remote
// endpoint; nothing is cached.
type Broker struct {
	cfg    Config
	client *http.Client
}

// New constructs a Broker. A nil client gets one bounded by cfg.Timeout.
func New(cfg Config, client *http.Client) *Broker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Broker{cfg: cfg, client: client}
}

type authResponse struct {
	TmpSecretID  string `json:"TmpSecretId"`
	TmpSecretKey string `json:"TmpSecretKey"`
	Token        string `json:"Token"`
	ExpiredTime  int64  `json:"ExpiredTime"`
}

// Credential fetches a fresh temporary credential.
func (b *Broker) Credential(ctx context.Context) (models.Credential, error) {
	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, b.cfg.BaseURL+authPath, nil)
	if err != nil {
		return models.Credential{}, fmt.Errorf("build credential request: %w", err)
	}

	var payload authResponse
	if err := b.do(req, &payload); err != nil {
		return models.Credential{}, fmt.Errorf("fetch credential: %w", err)
	}

	cred := models.Credential{
		AccessID:      payload.TmpSecretID,
		AccessSecret:  payload.TmpSecretKey,
		SecurityToken: payload.Token,
	}
	if payload.ExpiredTime > 0 {
		cred.ExpiresAt = time.Unix(payload.ExpiredTime, 0).UTC()
	}
	return cred, nil
}

// Retrieve implements aws.CredentialsProvider so the object store client signs
// requests with broker-issued credentials.
func (b *Broker) Retrieve(ctx context.Context) (aws.Credentials, error) {
	cred, err := b.Credential(ctx)
	if err != nil {
		return aws.Credentials{}, err
	}
	if cred.AccessID == "" || cred.AccessSecret == "" {
		return aws.Credentials{}, ErrEmptyCredential
	}
	return aws.Credentials{
		AccessKeyID:     cred.AccessID,
		SecretAccessKey: cred.AccessSecret,
		SessionToken:    cred.SecurityToken,
		Source:          credentialSource,
		CanExpire:       !cred.ExpiresAt.IsZero(),
		Expires:         cred.ExpiresAt,
	}, nil
}

type metadataRequest struct {
	OpenID string   `json:"openid"`
	Bucket string   `json:"bucket"`
	Paths  []string `json:"paths"`
}

type metadataResponse struct {
	ErrCode  int    `json:"errcode"`
	ErrMsg   string `json:"errmsg"`
	RespData struct {
		FieldStrs []string `json:"x_cos_meta_field_strs"`
	} `json:"respdata"`
}

// AssetMetadata exchanges a storage path for the metadata token the object
// store requires on upload. Uploads are made on behalf of the admin, so the
// identity is left empty.
func (b *Broker) AssetMetadata(ctx context.Context, path string) (string, error) {
	body, err := json.Marshal(metadataRequest{Bucket: b.cfg.Bucket, Paths: []string{path}})
	if err != nil {
		return "", fmt.Errorf("encode metadata request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, b.cfg.BaseURL+metadataPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build metadata request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var payload metadataResponse
	if err := b.do(req, &payload); err != nil {
		return "", fmt.Errorf("fetch metadata token: %w", err)
	}

	if payload.ErrCode != 0 {
		return "", fmt.Errorf("%w: errcode %d %s", ErrNoMetadataToken, payload.ErrCode, payload.ErrMsg)
	}
	if len(payload.RespData.FieldStrs) == 0 || strings.TrimSpace(payload.RespData.FieldStrs[0]) == "" {
		return "", ErrNoMetadataToken
	}
	return payload.RespData.FieldStrs[0], nil
}

func (b *Broker) do(req *http.Request, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ aws.CredentialsProvider = (*Broker)(nil)

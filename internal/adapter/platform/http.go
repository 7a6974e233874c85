package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"resty.dev/v3"
)

// Options HTTP 客户端配置
type Options struct {
	BaseURL          string
	GraphQLURL       string
	AccountID        string
	APIToken         string
	Timeout          time.Duration
	D1CreateAttempts int
	D1CreateBackoff  time.Duration
}

// HTTPClient 基于 resty 的平台 API 实现
type HTTPClient struct {
	rc         *resty.Client
	accountID  string
	graphQLURL string

	d1Attempts int
	d1Backoff  time.Duration

	logger *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient 创建平台 API 客户端
func NewHTTPClient(opts Options, logger *zap.Logger) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.D1CreateAttempts <= 0 {
		opts.D1CreateAttempts = 3
	}
	if opts.D1CreateBackoff <= 0 {
		opts.D1CreateBackoff = time.Second
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetAuthToken(opts.APIToken).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")

	return &HTTPClient{
		rc:         rc,
		accountID:  opts.AccountID,
		graphQLURL: opts.GraphQLURL,
		d1Attempts: opts.D1CreateAttempts,
		d1Backoff:  opts.D1CreateBackoff,
		logger:     logger,
	}
}

// Close 释放底层连接
func (c *HTTPClient) Close() error {
	return c.rc.Close()
}

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// envelope 平台统一响应结构
type envelope struct {
	Success bool            `json:"success"`
	Errors  []apiMessage    `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

func (c *HTTPClient) accountPath(format string, args ...any) string {
	return "/accounts/" + c.accountID + fmt.Sprintf(format, args...)
}

// send 执行请求并解析 envelope, out 为 nil 时忽略 result
func (c *HTTPClient) send(op string, req *resty.Request, method, path string, out any) error {
	resp, err := req.Execute(method, path)
	if err != nil {
		return &APIError{Op: op, Message: err.Error(), Err: err}
	}

	body := resp.Bytes()
	var env envelope
	if len(body) > 0 {
		if jsonErr := json.Unmarshal(body, &env); jsonErr != nil && !resp.IsError() {
			return &APIError{Op: op, StatusCode: resp.StatusCode(), Message: "invalid response body: " + jsonErr.Error()}
		}
	}

	if resp.IsError() || (len(body) > 0 && !env.Success && len(env.Errors) > 0) {
		apiErr := &APIError{Op: op, StatusCode: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
		if len(env.Errors) > 0 {
			apiErr.Code = env.Errors[0].Code
			msgs := make([]string, 0, len(env.Errors))
			for _, e := range env.Errors {
				msgs = append(msgs, e.Message)
			}
			apiErr.Message = strings.Join(msgs, "; ")
		}
		return apiErr
	}

	if out != nil && len(env.Result) > 0 && string(env.Result) != "null" {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return &APIError{Op: op, StatusCode: resp.StatusCode(), Message: "decode result: " + err.Error()}
		}
	}
	return nil
}

func (c *HTTPClient) jsonRequest(ctx context.Context, body any) *resty.Request {
	req := c.rc.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	return req
}

// CreateD1Database 有限次数指数退避重试, 仅重试临时错误
func (c *HTTPClient) CreateD1Database(ctx context.Context, name string) (*D1Database, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.d1Backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0

	attempt := 0
	op := func() (*D1Database, error) {
		attempt++
		var db D1Database
		err := c.send("create d1 database",
			c.jsonRequest(ctx, map[string]string{"name": name}),
			http.MethodPost, c.accountPath("/d1/database"), &db)
		if err != nil {
			if IsRetryable(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return &db, nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("创建 D1 数据库失败, 准备重试",
			zap.String("name", name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.d1Attempts-1)), ctx)
	return backoff.RetryNotifyWithData(op, policy, notify)
}

func (c *HTTPClient) DeleteD1Database(ctx context.Context, databaseID string) error {
	return c.send("delete d1 database", c.jsonRequest(ctx, nil),
		http.MethodDelete, c.accountPath("/d1/database/%s", databaseID), nil)
}

func (c *HTTPClient) QueryD1(ctx context.Context, databaseID, sql string) error {
	return c.send("query d1",
		c.jsonRequest(ctx, map[string]string{"sql": sql}),
		http.MethodPost, c.accountPath("/d1/database/%s/query", databaseID), nil)
}

// CreateR2Bucket 桶已存在视为成功
func (c *HTTPClient) CreateR2Bucket(ctx context.Context, name string) error {
	err := c.send("create r2 bucket",
		c.jsonRequest(ctx, map[string]string{"name": name}),
		http.MethodPost, c.accountPath("/r2/buckets"), nil)
	if err != nil && IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (c *HTTPClient) DeleteR2Bucket(ctx context.Context, name string) error {
	return c.send("delete r2 bucket", c.jsonRequest(ctx, nil),
		http.MethodDelete, c.accountPath("/r2/buckets/%s", name), nil)
}

func (c *HTTPClient) CreateKVNamespace(ctx context.Context, title string) (*KVNamespace, error) {
	var ns KVNamespace
	err := c.send("create kv namespace",
		c.jsonRequest(ctx, map[string]string{"title": title}),
		http.MethodPost, c.accountPath("/storage/kv/namespaces"), &ns)
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

func (c *HTTPClient) DeleteKVNamespace(ctx context.Context, namespaceID string) error {
	return c.send("delete kv namespace", c.jsonRequest(ctx, nil),
		http.MethodDelete, c.accountPath("/storage/kv/namespaces/%s", namespaceID), nil)
}

type vectorIndexResult struct {
	Name   string `json:"name"`
	Config struct {
		Dimensions int    `json:"dimensions"`
		Metric     string `json:"metric"`
	} `json:"config"`
}

func (r *vectorIndexResult) toIndex() *VectorIndex {
	return &VectorIndex{Name: r.Name, Dimensions: r.Config.Dimensions, Metric: r.Config.Metric}
}

func (c *HTTPClient) CreateVectorIndex(ctx context.Context, name string, dimensions int, metric string) (*VectorIndex, error) {
	body := map[string]any{
		"name": name,
		"config": map[string]any{
			"dimensions": dimensions,
			"metric":     metric,
		},
	}
	var res vectorIndexResult
	if err := c.send("create vector index", c.jsonRequest(ctx, body),
		http.MethodPost, c.accountPath("/vectorize/v2/indexes"), &res); err != nil {
		return nil, err
	}
	return res.toIndex(), nil
}

func (c *HTTPClient) GetVectorIndex(ctx context.Context, name string) (*VectorIndex, error) {
	var res vectorIndexResult
	if err := c.send("get vector index", c.jsonRequest(ctx, nil),
		http.MethodGet, c.accountPath("/vectorize/v2/indexes/%s", name), &res); err != nil {
		return nil, err
	}
	return res.toIndex(), nil
}

type scriptMetadata struct {
	MainModule         string        `json:"main_module"`
	CompatibilityDate  string        `json:"compatibility_date,omitempty"`
	CompatibilityFlags []string      `json:"compatibility_flags,omitempty"`
	Bindings           []Binding     `json:"bindings"`
	Migrations         *Migrations   `json:"migrations,omitempty"`
	Assets             *ScriptAssets `json:"assets,omitempty"`
}

// UploadScript multipart: metadata + 各模块
func (c *HTTPClient) UploadScript(ctx context.Context, upload *ScriptUpload) (*ScriptResult, error) {
	meta := scriptMetadata{
		MainModule:         upload.MainModule,
		CompatibilityDate:  upload.CompatibilityDate,
		CompatibilityFlags: upload.CompatibilityFlags,
		Bindings:           upload.Bindings,
		Migrations:         upload.Migrations,
		Assets:             upload.Assets,
	}
	if meta.Bindings == nil {
		meta.Bindings = []Binding{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode script metadata: %w", err)
	}

	fields := make([]*resty.MultipartField, 0, len(upload.Modules)+1)
	fields = append(fields, &resty.MultipartField{
		Name:        "metadata",
		FileName:    "metadata.json",
		ContentType: "application/json",
		Reader:      bytes.NewReader(metaJSON),
	})
	for _, m := range upload.Modules {
		fields = append(fields, &resty.MultipartField{
			Name:        m.Name,
			FileName:    m.Name,
			ContentType: m.ContentType,
			Reader:      bytes.NewReader(m.Content),
		})
	}

	req := c.rc.R().SetContext(ctx).SetMultipartFields(fields...)
	var res ScriptResult
	if err := c.send("upload script", req, http.MethodPut,
		c.accountPath("/workers/scripts/%s", upload.ScriptName), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HTTPClient) PutSecret(ctx context.Context, scriptName, name, value string) error {
	body := map[string]string{"name": name, "text": value, "type": "secret_text"}
	return c.send("put secret", c.jsonRequest(ctx, body),
		http.MethodPut, c.accountPath("/workers/scripts/%s/secrets", scriptName), nil)
}

func (c *HTTPClient) GetScriptSettings(ctx context.Context, scriptName string) (*ScriptSettings, error) {
	var settings ScriptSettings
	if err := c.send("get script settings", c.jsonRequest(ctx, nil),
		http.MethodGet, c.accountPath("/workers/scripts/%s/settings", scriptName), &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// PatchScriptSettings 仅更新设置 (绑定/可观测性), 不重新上传代码
func (c *HTTPClient) PatchScriptSettings(ctx context.Context, scriptName string, patch *ScriptSettingsPatch) error {
	payload, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode script settings: %w", err)
	}
	req := c.rc.R().SetContext(ctx).SetMultipartFields(&resty.MultipartField{
		Name:        "settings",
		FileName:    "settings.json",
		ContentType: "application/json",
		Reader:      bytes.NewReader(payload),
	})
	return c.send("patch script settings", req, http.MethodPatch,
		c.accountPath("/workers/scripts/%s/settings", scriptName), nil)
}

func (c *HTTPClient) CreateAssetUploadSession(ctx context.Context, scriptName string, manifest map[string]AssetFile) (*AssetUploadSession, error) {
	var session AssetUploadSession
	body := map[string]any{"manifest": manifest}
	if err := c.send("create asset upload session", c.jsonRequest(ctx, body), http.MethodPost,
		c.accountPath("/workers/scripts/%s/assets-upload-session", scriptName), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// UploadAssetBucket 用会话令牌上传一个桶, 返回完成令牌 (最后一个桶才会返回)
func (c *HTTPClient) UploadAssetBucket(ctx context.Context, uploadToken string, payload map[string]AssetPayload) (string, error) {
	fields := make([]*resty.MultipartField, 0, len(payload))
	for hash, p := range payload {
		fields = append(fields, &resty.MultipartField{
			Name:        hash,
			FileName:    hash,
			ContentType: p.ContentType,
			Reader:      strings.NewReader(p.Base64),
		})
	}

	req := c.rc.R().
		SetContext(ctx).
		SetAuthToken(uploadToken).
		SetQueryParam("base64", "true").
		SetMultipartFields(fields...)

	var res struct {
		JWT string `json:"jwt"`
	}
	if err := c.send("upload asset bucket", req, http.MethodPost,
		c.accountPath("/workers/assets/upload"), &res); err != nil {
		return "", err
	}
	return res.JWT, nil
}

// QueryAnalytics 分析引擎 SQL 接口, 返回 data 行
func (c *HTTPClient) QueryAnalytics(ctx context.Context, sql string) ([]map[string]any, error) {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetContentType("text/plain").
		SetBody(sql).
		Post(c.accountPath("/analytics_engine/sql"))
	if err != nil {
		return nil, &APIError{Op: "query analytics", Message: err.Error(), Err: err}
	}
	if resp.IsError() {
		return nil, &APIError{Op: "query analytics", StatusCode: resp.StatusCode(), Message: resp.String()}
	}

	var out struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(resp.Bytes(), &out); err != nil {
		return nil, &APIError{Op: "query analytics", StatusCode: resp.StatusCode(), Message: "decode result: " + err.Error()}
	}
	return out.Data, nil
}

// QueryGraphQL 平台 GraphQL 分析接口, data 解码到 out
func (c *HTTPClient) QueryGraphQL(ctx context.Context, query string, variables map[string]any, out any) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(map[string]any{"query": query, "variables": variables}).
		Post(c.graphQLURL)
	if err != nil {
		return &APIError{Op: "query graphql", Message: err.Error(), Err: err}
	}
	if resp.IsError() {
		return &APIError{Op: "query graphql", StatusCode: resp.StatusCode(), Message: resp.String()}
	}

	var gql struct {
		Data   json.RawMessage `json:"data"`
		Errors []apiMessage    `json:"errors"`
	}
	if err := json.Unmarshal(resp.Bytes(), &gql); err != nil {
		return &APIError{Op: "query graphql", StatusCode: resp.StatusCode(), Message: "decode result: " + err.Error()}
	}
	if len(gql.Errors) > 0 {
		return &APIError{Op: "query graphql", StatusCode: resp.StatusCode(), Message: gql.Errors[0].Message}
	}
	if out == nil || len(gql.Data) == 0 {
		return nil
	}
	return json.Unmarshal(gql.Data, out)
}

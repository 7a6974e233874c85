package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// FakeClient 内存版平台 API, 用于测试与本地联调
// 支持按操作注入错误, 并模拟迁移 tag 前置校验与资源增量上传
type FakeClient struct {
	mu  sync.Mutex
	seq int

	D1Databases   map[string]*D1Database // uuid -> db
	D1Queries     map[string][]string
	R2Buckets     map[string]bool
	KVNamespaces  map[string]*KVNamespace
	VectorIndexes map[string]*VectorIndex
	Scripts       map[string]*ScriptUpload
	Uploads       []*ScriptUpload
	Secrets       map[string]map[string]string
	Settings      map[string]*ScriptSettings
	MigrationTags map[string]string

	// 资源上传
	KnownAssets         map[string]bool
	AssetBucketSize     int
	UploadedBuckets     [][]string
	OmitCompletionToken bool
	sessions            map[string]int

	AnalyticsRows   []map[string]any
	GraphQLResponse map[string]any

	calls    map[string]int
	failures map[string]error
	failNext map[string][]error
}

var _ Client = (*FakeClient)(nil)

// NewFakeClient 创建内存平台
func NewFakeClient() *FakeClient {
	return &FakeClient{
		D1Databases:     map[string]*D1Database{},
		D1Queries:       map[string][]string{},
		R2Buckets:       map[string]bool{},
		KVNamespaces:    map[string]*KVNamespace{},
		VectorIndexes:   map[string]*VectorIndex{},
		Scripts:         map[string]*ScriptUpload{},
		Secrets:         map[string]map[string]string{},
		Settings:        map[string]*ScriptSettings{},
		MigrationTags:   map[string]string{},
		KnownAssets:     map[string]bool{},
		AssetBucketSize: 2,
		sessions:        map[string]int{},
		calls:           map[string]int{},
		failures:        map[string]error{},
		failNext:        map[string][]error{},
	}
}

// Fail 持续注入错误, err 为 nil 时清除
func (f *FakeClient) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// FailNext 下一次调用 op 返回 err
func (f *FakeClient) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = append(f.failNext[op], err)
}

// Calls op 被调用次数
func (f *FakeClient) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// LastUpload 最近一次发布
func (f *FakeClient) LastUpload() *ScriptUpload {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Uploads) == 0 {
		return nil
	}
	return f.Uploads[len(f.Uploads)-1]
}

// enter 调用方需持有锁
func (f *FakeClient) enter(op string) error {
	f.calls[op]++
	if queue := f.failNext[op]; len(queue) > 0 {
		f.failNext[op] = queue[1:]
		return queue[0]
	}
	return f.failures[op]
}

func (f *FakeClient) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%04d", prefix, f.seq)
}

func (f *FakeClient) CreateD1Database(_ context.Context, name string) (*D1Database, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateD1Database"); err != nil {
		return nil, err
	}
	db := &D1Database{UUID: f.nextID("d1"), Name: name}
	f.D1Databases[db.UUID] = db
	return db, nil
}

func (f *FakeClient) DeleteD1Database(_ context.Context, databaseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteD1Database"); err != nil {
		return err
	}
	delete(f.D1Databases, databaseID)
	return nil
}

func (f *FakeClient) QueryD1(_ context.Context, databaseID, sql string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("QueryD1"); err != nil {
		return err
	}
	if _, ok := f.D1Databases[databaseID]; !ok {
		return &APIError{Op: "query d1", StatusCode: http.StatusNotFound, Message: "database not found"}
	}
	f.D1Queries[databaseID] = append(f.D1Queries[databaseID], sql)
	return nil
}

func (f *FakeClient) CreateR2Bucket(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateR2Bucket"); err != nil {
		return err
	}
	f.R2Buckets[name] = true
	return nil
}

func (f *FakeClient) DeleteR2Bucket(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteR2Bucket"); err != nil {
		return err
	}
	delete(f.R2Buckets, name)
	return nil
}

func (f *FakeClient) CreateKVNamespace(_ context.Context, title string) (*KVNamespace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateKVNamespace"); err != nil {
		return nil, err
	}
	ns := &KVNamespace{ID: f.nextID("kv"), Title: title}
	f.KVNamespaces[ns.ID] = ns
	return ns, nil
}

func (f *FakeClient) DeleteKVNamespace(_ context.Context, namespaceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteKVNamespace"); err != nil {
		return err
	}
	delete(f.KVNamespaces, namespaceID)
	return nil
}

func (f *FakeClient) CreateVectorIndex(_ context.Context, name string, dimensions int, metric string) (*VectorIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateVectorIndex"); err != nil {
		return nil, err
	}
	if _, ok := f.VectorIndexes[name]; ok {
		return nil, &APIError{Op: "create vector index", StatusCode: http.StatusConflict, Message: "index already exists"}
	}
	idx := &VectorIndex{Name: name, Dimensions: dimensions, Metric: metric}
	f.VectorIndexes[name] = idx
	return idx, nil
}

func (f *FakeClient) GetVectorIndex(_ context.Context, name string) (*VectorIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetVectorIndex"); err != nil {
		return nil, err
	}
	idx, ok := f.VectorIndexes[name]
	if !ok {
		return nil, &APIError{Op: "get vector index", StatusCode: http.StatusNotFound, Message: "index not found"}
	}
	return idx, nil
}

// UploadScript 校验迁移 old_tag, 与平台记录不一致时返回 412
func (f *FakeClient) UploadScript(_ context.Context, upload *ScriptUpload) (*ScriptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UploadScript"); err != nil {
		return nil, err
	}

	if m := upload.Migrations; m != nil {
		if current := f.MigrationTags[upload.ScriptName]; current != m.OldTag {
			return nil, &APIError{
				Op:         "upload script",
				StatusCode: http.StatusPreconditionFailed,
				Code:       10079,
				Message:    fmt.Sprintf("migration precondition failed: expected old_tag %q, got %q", current, m.OldTag),
			}
		}
		f.MigrationTags[upload.ScriptName] = m.NewTag
	}
	if upload.Assets != nil && upload.Assets.JWT == "" {
		return nil, &APIError{Op: "upload script", StatusCode: http.StatusBadRequest, Message: "assets jwt required"}
	}

	f.Scripts[upload.ScriptName] = upload
	f.Uploads = append(f.Uploads, upload)

	bindings := make([]map[string]any, 0, len(upload.Bindings))
	raw, _ := json.Marshal(upload.Bindings)
	_ = json.Unmarshal(raw, &bindings)
	settings := f.Settings[upload.ScriptName]
	if settings == nil {
		settings = &ScriptSettings{}
		f.Settings[upload.ScriptName] = settings
	}
	settings.Bindings = bindings

	return &ScriptResult{ID: upload.ScriptName, Etag: f.nextID("etag"), VersionID: f.nextID("ver")}, nil
}

func (f *FakeClient) PutSecret(_ context.Context, scriptName, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutSecret"); err != nil {
		return err
	}
	if f.Secrets[scriptName] == nil {
		f.Secrets[scriptName] = map[string]string{}
	}
	f.Secrets[scriptName][name] = value
	return nil
}

func (f *FakeClient) GetScriptSettings(_ context.Context, scriptName string) (*ScriptSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetScriptSettings"); err != nil {
		return nil, err
	}
	settings, ok := f.Settings[scriptName]
	if !ok {
		return nil, &APIError{Op: "get script settings", StatusCode: http.StatusNotFound, Message: "script not found"}
	}
	cp := *settings
	cp.Bindings = append([]map[string]any(nil), settings.Bindings...)
	return &cp, nil
}

func (f *FakeClient) PatchScriptSettings(_ context.Context, scriptName string, patch *ScriptSettingsPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PatchScriptSettings"); err != nil {
		return err
	}
	settings, ok := f.Settings[scriptName]
	if !ok {
		return &APIError{Op: "patch script settings", StatusCode: http.StatusNotFound, Message: "script not found"}
	}
	if patch.Bindings != nil {
		settings.Bindings = append([]map[string]any{}, (*patch.Bindings)...)
	}
	if patch.Observability != nil {
		settings.Observability = patch.Observability
	}
	return nil
}

// CreateAssetUploadSession 未上传过的 hash 按 AssetBucketSize 分桶
func (f *FakeClient) CreateAssetUploadSession(_ context.Context, scriptName string, manifest map[string]AssetFile) (*AssetUploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateAssetUploadSession"); err != nil {
		return nil, err
	}

	var missing []string
	seen := map[string]bool{}
	for _, file := range manifest {
		if f.KnownAssets[file.Hash] || seen[file.Hash] {
			continue
		}
		seen[file.Hash] = true
		missing = append(missing, file.Hash)
	}

	if len(missing) == 0 {
		return &AssetUploadSession{JWT: f.nextID("complete-" + scriptName)}, nil
	}

	size := f.AssetBucketSize
	if size <= 0 {
		size = len(missing)
	}
	var buckets [][]string
	for i := 0; i < len(missing); i += size {
		end := i + size
		if end > len(missing) {
			end = len(missing)
		}
		buckets = append(buckets, missing[i:end])
	}

	token := f.nextID("upload-" + scriptName)
	f.sessions[token] = len(missing)
	return &AssetUploadSession{JWT: token, Buckets: buckets}, nil
}

// UploadAssetBucket 会话内全部 hash 上传完成后返回完成令牌
func (f *FakeClient) UploadAssetBucket(_ context.Context, uploadToken string, payload map[string]AssetPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UploadAssetBucket"); err != nil {
		return "", err
	}
	remaining, ok := f.sessions[uploadToken]
	if !ok {
		return "", &APIError{Op: "upload asset bucket", StatusCode: http.StatusUnauthorized, Message: "invalid upload token"}
	}

	hashes := make([]string, 0, len(payload))
	for hash := range payload {
		if !f.KnownAssets[hash] {
			remaining--
		}
		f.KnownAssets[hash] = true
		hashes = append(hashes, hash)
	}
	f.UploadedBuckets = append(f.UploadedBuckets, hashes)
	f.sessions[uploadToken] = remaining

	if remaining > 0 || f.OmitCompletionToken {
		return "", nil
	}
	return f.nextID("complete"), nil
}

func (f *FakeClient) QueryAnalytics(_ context.Context, _ string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("QueryAnalytics"); err != nil {
		return nil, err
	}
	return f.AnalyticsRows, nil
}

func (f *FakeClient) QueryGraphQL(_ context.Context, _ string, _ map[string]any, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("QueryGraphQL"); err != nil {
		return err
	}
	if out == nil || f.GraphQLResponse == nil {
		return nil
	}
	raw, err := json.Marshal(f.GraphQLResponse)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

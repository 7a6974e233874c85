package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewHTTPClient(Options{
		BaseURL:          srv.URL,
		GraphQLURL:       srv.URL + "/graphql",
		AccountID:        "acc",
		APIToken:         "token",
		Timeout:          5 * time.Second,
		D1CreateAttempts: 3,
		D1CreateBackoff:  time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeEnvelope(w http.ResponseWriter, status int, result any, errs ...apiMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	raw, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": len(errs) == 0 && status < 400,
		"errors":  errs,
		"result":  json.RawMessage(raw),
	})
}

func TestCreateD1Database_RetriesTransientErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/acc/d1/database", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		if atomic.AddInt32(&calls, 1) < 3 {
			writeEnvelope(w, http.StatusServiceUnavailable, nil, apiMessage{Code: 7500, Message: "try later"})
			return
		}
		writeEnvelope(w, http.StatusOK, D1Database{UUID: "db-1", Name: "p1-db"})
	})

	db, err := c.CreateD1Database(context.Background(), "p1-db")
	require.NoError(t, err)
	assert.Equal(t, "db-1", db.UUID)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestCreateD1Database_GivesUpAfterAttempts(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeEnvelope(w, http.StatusTooManyRequests, nil, apiMessage{Code: 971, Message: "rate limited"})
	})

	_, err := c.CreateD1Database(context.Background(), "p1-db")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestCreateD1Database_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeEnvelope(w, http.StatusBadRequest, nil, apiMessage{Code: 7400, Message: "invalid name"})
	})

	_, err := c.CreateD1Database(context.Background(), "bad name")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 7400, apiErr.Code)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCreateR2Bucket_AlreadyExistsIsSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusConflict, nil, apiMessage{Code: 10004, Message: "The bucket you tried to create already exists"})
	})
	assert.NoError(t, c.CreateR2Bucket(context.Background(), "assets"))
}

func TestUploadScript_MultipartAndPrecondition(t *testing.T) {
	var meta scriptMetadata
	var moduleBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/accounts/acc/workers/scripts/p-worker", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}

		f, _, err := r.FormFile("metadata")
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, json.NewDecoder(f).Decode(&meta))

		m, hdr, err := r.FormFile("index.js")
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, ContentTypeESModule, hdr.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(m)
		moduleBody = string(raw)

		if meta.Migrations != nil && meta.Migrations.OldTag != "v1" {
			writeEnvelope(w, http.StatusPreconditionFailed, nil, apiMessage{Code: 10079, Message: "migration tag mismatch"})
			return
		}
		writeEnvelope(w, http.StatusOK, ScriptResult{ID: "p-worker", Etag: "e1", VersionID: "v-1"})
	})

	upload := &ScriptUpload{
		ScriptName:        "p-worker",
		MainModule:        "index.js",
		CompatibilityDate: "2025-01-01",
		Modules:           []Module{{Name: "index.js", ContentType: ContentTypeESModule, Content: []byte("export default {}")}},
		Bindings:          []Binding{{Type: BindingTypePlainText, Name: "PROJECT_ID", Text: "p1"}},
		Migrations:        &Migrations{OldTag: "v1", NewTag: "v2", Steps: []MigrationStep{{NewSqliteClasses: []string{"Counter"}}}},
	}
	res, err := c.UploadScript(context.Background(), upload)
	require.NoError(t, err)
	assert.Equal(t, "v-1", res.VersionID)
	assert.Equal(t, "index.js", meta.MainModule)
	assert.Equal(t, "export default {}", moduleBody)
	require.Len(t, meta.Bindings, 1)
	assert.Equal(t, "p1", meta.Bindings[0].Text)

	upload.Migrations.OldTag = ""
	_, err = c.UploadScript(context.Background(), upload)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPreconditionFailed))
	assert.False(t, IsRetryable(err))
}

func TestUploadAssetBucket_UsesSessionToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer upload-jwt", r.Header.Get("Authorization"))
		assert.Equal(t, "true", r.URL.Query().Get("base64"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		f, hdr, err := r.FormFile("abc123")
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "text/html", hdr.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(f)
		assert.Equal(t, "PGgxPg==", string(raw))
		writeEnvelope(w, http.StatusCreated, map[string]string{"jwt": "completion"})
	})

	token, err := c.UploadAssetBucket(context.Background(), "upload-jwt", map[string]AssetPayload{
		"abc123": {Base64: "PGgxPg==", ContentType: "text/html"},
	})
	require.NoError(t, err)
	assert.Equal(t, "completion", token)
}

func TestQueryGraphQL(t *testing.T) {
	var fail atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/graphql", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if fail.Load() {
			_, _ = w.Write([]byte(`{"data":null,"errors":[{"message":"quota exceeded"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"total":42.5}}`))
	})

	var out struct {
		Total float64 `json:"total"`
	}
	require.NoError(t, c.QueryGraphQL(context.Background(), "query {}", nil, &out))
	assert.Equal(t, 42.5, out.Total)

	fail.Store(true)
	err := c.QueryGraphQL(context.Background(), "query {}", nil, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestQueryAnalytics(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(raw), "SELECT")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"project_id":"p1","wall_time_ms":"1200"}],"rows":1}`))
	})

	rows, err := c.QueryAnalytics(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "p1", rows[0]["project_id"])
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		exists    bool
		precond   bool
	}{
		{name: "network", err: &APIError{Op: "x", Message: "connection refused"}, retryable: true},
		{name: "server", err: &APIError{Op: "x", StatusCode: 502}, retryable: true},
		{name: "conflict", err: &APIError{Op: "x", StatusCode: 409}, exists: true},
		{name: "precondition status", err: &APIError{Op: "x", StatusCode: 412}, precond: true},
		{name: "precondition message", err: &APIError{Op: "x", StatusCode: 400, Message: "Precondition failed for migration"}, precond: true},
		{name: "schema exists", err: &APIError{Op: "x", StatusCode: 400, Message: "table users already exists"}, exists: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.exists, IsAlreadyExists(tt.err))
			assert.Equal(t, tt.precond, errors.Is(tt.err, ErrPreconditionFailed))
		})
	}
}

func TestIsSchemaObjectExists(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil},
		{name: "table", err: &APIError{Op: "query d1", StatusCode: 400, Message: "table users already exists: SQLITE_ERROR"}, want: true},
		{name: "index", err: &APIError{Op: "query d1", StatusCode: 400, Message: "index idx_users_email already exists"}, want: true},
		{name: "trigger", err: &APIError{Op: "query d1", StatusCode: 400, Message: "Trigger audit_users already exists"}, want: true},
		{name: "bare conflict", err: &APIError{Op: "query d1", StatusCode: 409}},
		{name: "unrelated exists", err: &APIError{Op: "query d1", StatusCode: 409, Message: "import session already exists"}},
		{name: "syntax", err: &APIError{Op: "query d1", StatusCode: 400, Message: "near \"TABEL\": syntax error"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSchemaObjectExists(tt.err))
		})
	}
}

func TestPatchScriptSettings_EmptyBindingsAreSent(t *testing.T) {
	var bodies []map[string]json.RawMessage
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		f, _, err := r.FormFile("settings")
		if !assert.NoError(t, err) {
			return
		}
		var body map[string]json.RawMessage
		assert.NoError(t, json.NewDecoder(f).Decode(&body))
		bodies = append(bodies, body)
		writeEnvelope(w, http.StatusOK, nil)
	})

	empty := []map[string]any{}
	require.NoError(t, c.PatchScriptSettings(context.Background(), "p-worker", &ScriptSettingsPatch{Bindings: &empty}))
	require.NoError(t, c.PatchScriptSettings(context.Background(), "p-worker", &ScriptSettingsPatch{Observability: &Observability{Enabled: true}}))

	require.Len(t, bodies, 2)
	raw, ok := bodies[0]["bindings"]
	require.True(t, ok, "empty binding list must be sent to clear bindings")
	assert.JSONEq(t, `[]`, string(raw))
	_, ok = bodies[1]["bindings"]
	assert.False(t, ok, "observability-only patch must leave bindings untouched")
}

func TestFakeClient_PatchScriptSettings(t *testing.T) {
	f := NewFakeClient()
	f.Settings["p-worker"] = &ScriptSettings{Bindings: []map[string]any{{"type": BindingTypePlainText, "name": "A"}}}

	require.NoError(t, f.PatchScriptSettings(context.Background(), "p-worker", &ScriptSettingsPatch{Observability: &Observability{Enabled: true}}))
	assert.Len(t, f.Settings["p-worker"].Bindings, 1)

	empty := []map[string]any{}
	require.NoError(t, f.PatchScriptSettings(context.Background(), "p-worker", &ScriptSettingsPatch{Bindings: &empty}))
	assert.Empty(t, f.Settings["p-worker"].Bindings)
}

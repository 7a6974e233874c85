package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"edge-cd/internal/model"
)

func TestLarkNotifier_Send(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewLarkNotifier(srv.URL, true, zap.NewNop())
	defer n.Close()

	errMsg := "entrypoint not found"
	project := &model.Project{BaseModel: model.BaseModel{ID: "p1"}, Name: "demo", WorkerName: "p-demo"}
	dep := &model.Deployment{BaseModel: model.BaseModel{ID: "0123456789abcdef"}, Source: "code:v1", ErrorMessage: &errMsg}
	require.NoError(t, n.Send(context.Background(), DeploymentMessage(project, dep, NotifyDeployFailed)))

	assert.Equal(t, "interactive", got["msg_type"])
	card := got["card"].(map[string]any)
	header := card["header"].(map[string]any)
	assert.Equal(t, "red", header["template"])
	body, _ := json.Marshal(card["elements"])
	assert.Contains(t, string(body), "entrypoint not found")
	assert.Contains(t, string(body), "01234567")
}

func TestLarkNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewLarkNotifier(srv.URL, true, zap.NewNop())
	defer n.Close()
	err := n.Send(context.Background(), EnforcementMessage(&model.Project{Name: "demo"}, "over limit"))
	assert.Error(t, err)
}

func TestLarkNotifier_Disabled(t *testing.T) {
	n := NewLarkNotifier("http://127.0.0.1:1", false, zap.NewNop())
	defer n.Close()
	assert.NoError(t, n.Send(context.Background(), EnforcementMessage(&model.Project{Name: "demo"}, "x")))
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Send(context.Context, *NotificationMessage) error {
	f.calls++
	return errors.New("down")
}

func TestMultiNotifier_ContinuesOnError(t *testing.T) {
	a, b := &failingNotifier{}, &failingNotifier{}
	m := NewMultiNotifier(zap.NewNop(), a, NewLogNotifier(zap.NewNop()), b)
	err := m.Send(context.Background(), EnforcementMessage(&model.Project{Name: "demo"}, "x"))
	assert.Error(t, err)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestLarkNotifier_BusinessErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":19021,"msg":"sign match fail"}`))
	}))
	defer srv.Close()

	n := NewLarkNotifier(srv.URL, true, zap.NewNop())
	defer n.Close()
	err := n.Send(context.Background(), EnforcementMessage(&model.Project{Name: "demo"}, "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "19021")
}

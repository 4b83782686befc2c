package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineld/sentineld/internal/model"
)

type fakeCommandExecutor struct {
	called model.ResponseAction
	err    error
}

func (f *fakeCommandExecutor) Execute(ctx context.Context, action model.ResponseAction) (map[string]string, error) {
	f.called = action
	return map[string]string{"ok": "true"}, f.err
}

func TestRunLogOnlyAlwaysSucceeds(t *testing.T) {
	var logged string
	e := New(nil, nil, nil, func(msg string) { logged = msg }, nil)

	result := e.Run(context.Background(), "a1", model.ResponseAction{
		Kind:       model.ActionLogOnly,
		Parameters: map[string]string{"message": "hello"},
	})
	assert.True(t, result.Success)
	assert.Equal(t, "hello", logged)
}

func TestRunDelegatesBlockIPToCommandExecutor(t *testing.T) {
	cmd := &fakeCommandExecutor{}
	e := New(cmd, NewWhitelist(nil), nil, nil, nil)

	result := e.Run(context.Background(), "a1", model.ResponseAction{
		Kind:       model.ActionBlockIP,
		Parameters: map[string]string{"ip": "10.0.0.1", "duration_s": "3600"},
	})
	assert.True(t, result.Success)
	assert.Equal(t, model.ActionBlockIP, cmd.called.Kind)
}

func TestRunRejectsNonWhitelistedTarget(t *testing.T) {
	cmd := &fakeCommandExecutor{}
	e := New(cmd, NewWhitelist([]string{"10.0.0.*"}), nil, nil, nil)

	result := e.Run(context.Background(), "a1", model.ResponseAction{
		Kind:       model.ActionBlockIP,
		Parameters: map[string]string{"ip": "203.0.113.5"},
	})
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestRunReportsCommandExecutorFailureAsResult(t *testing.T) {
	cmd := &fakeCommandExecutor{err: errors.New("boom")}
	e := New(cmd, nil, nil, nil, nil)

	result := e.Run(context.Background(), "a1", model.ResponseAction{
		Kind:       model.ActionKillProcess,
		Parameters: map[string]string{"pid": "1234"},
	})
	assert.False(t, result.Success)
	assert.Equal(t, "boom", result.Error)
}

func TestRunWebhookPostsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(nil, nil, srv.Client(), nil, nil)
	result := e.Run(context.Background(), "a1", model.ResponseAction{
		Kind:       model.ActionWebhook,
		Parameters: map[string]string{"url": srv.URL, "payload": "p"},
	})
	assert.True(t, result.Success)
}

func TestRunWebhookFailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := New(nil, nil, srv.Client(), nil, nil)
	result := e.Run(context.Background(), "a1", model.ResponseAction{
		Kind:       model.ActionWebhook,
		Parameters: map[string]string{"url": srv.URL},
	})
	assert.False(t, result.Success)
}

func TestRunNotifyRequiresSink(t *testing.T) {
	e := New(nil, nil, nil, nil, nil)
	result := e.Run(context.Background(), "a1", model.ResponseAction{Kind: model.ActionNotify})
	assert.False(t, result.Success)
}

func TestRunUnknownActionKindFails(t *testing.T) {
	e := New(nil, nil, nil, nil, nil)
	result := e.Run(context.Background(), "a1", model.ResponseAction{Kind: model.ActionKind("bogus")})
	assert.False(t, result.Success)
}

func TestWhitelistAllowsEverythingWhenEmpty(t *testing.T) {
	w := NewWhitelist(nil)
	require.True(t, w.Allows("anything"))
}

package st2

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/douban/helpdesk/internal/provider"
	"github.com/douban/helpdesk/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/tokens", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "st2admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		expiry := time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"abc","expiry":"` + expiry + `"}`))
	})
	api := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Auth-Token") != "abc" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/api/v1/actions", api(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pack") == "broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[{"ref":"ops.restart","name":"restart","pack":"ops","description":"重启","enabled":true,"runner_type":"orquesta"}]`))
	}))
	mux.HandleFunc("/api/v1/actions/ops.restart", api(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ref":"ops.restart","name":"restart","pack":"ops","enabled":true,
			"parameters":{"host":{"type":"string","required":true},"force":{"type":"boolean","default":false,"immutable":true}}}`))
	}))
	mux.HandleFunc("/api/v1/executions", api(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "ops.restart", body["action"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"exec1","status":"requested"}`))
	}))
	mux.HandleFunc("/api/v1/executions/exec1", api(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"exec1","status":"succeeded","start_timestamp":"2024-01-01T00:00:00Z","result":{"stdout":"ok"},"children":["c1"]}`))
	}))
	mux.HandleFunc("/api/v1/executions/c1/output", api(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("restarted\n"))
	}))
	return httptest.NewServer(mux)
}

func newProvider(base string) *Provider {
	cfg := config.ST2Config{
		BaseURL:                   base,
		APIURL:                    base + "/api",
		AuthURL:                   base + "/auth",
		Username:                  "st2admin",
		Password:                  "secret",
		DefaultPack:               "ops",
		TokenTTL:                  3600,
		ExecutionResultURLPattern: "{base_url}/#/history/{execution_id}/general",
	}
	return New(cfg, time.Second, 0)
}

func TestST2Actions(t *testing.T) {
	srv := newServer(t)
	defer srv.Close()
	p := newProvider(srv.URL)
	ctx := context.Background()

	actions, err := p.ActionsInfo(ctx, "ops")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "ops.restart", actions[0].ID)

	_, err = p.ActionsInfo(ctx, "broken")
	var rpe *provider.ResolvePackageError
	assert.True(t, errors.As(err, &rpe))

	// 不带 pack 前缀时补上默认 pack
	schema, err := p.ActionSchema(ctx, "restart")
	require.NoError(t, err)
	require.NotNil(t, schema)
	assert.True(t, schema.Parameters["host"].Required)
	assert.True(t, schema.Parameters["force"].Immutable)

	missing, err := p.ActionSchema(ctx, "ops.nothing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestST2Exec(t *testing.T) {
	srv := newServer(t)
	defer srv.Close()
	p := newProvider(srv.URL)
	ctx := context.Background()

	info, err := p.ExecTicket(ctx, "restart", map[string]interface{}{"host": "web1"})
	require.NoError(t, err)
	assert.Equal(t, "exec1", info.ID)
	assert.Equal(t, srv.URL+"/#/history/exec1/general", info.ResultURL)

	result, err := p.ExecResult(ctx, p.ExecAnnotation(info))
	require.NoError(t, err)
	assert.Equal(t, provider.StatusSuccess, result.Status)
	assert.Len(t, result.Tasks, 1)

	log, err := p.ExecLog(ctx, provider.LogQuery{ExecutionID: "exec1", Task: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "restarted\n", log.Message)
}

func TestST2BadCredentials(t *testing.T) {
	srv := newServer(t)
	defer srv.Close()
	p := newProvider(srv.URL)
	p.cfg.Password = "wrong"

	_, err := p.ActionsInfo(context.Background(), "")
	assert.Error(t, err)
}

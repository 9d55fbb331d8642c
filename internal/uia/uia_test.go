// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

package uia

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/famedly/uia-proxy/internal/session"
	"github.com/famedly/uia-proxy/internal/stages"
)

// scriptStage is a fully scripted stage for driving the state machine.
type scriptStage struct {
	typ     string
	active  bool
	params  any
	errCode string
	data    *session.Data
}

func (s *scriptStage) Type() string { return s.typ }

func (s *scriptStage) IsActive(*session.Data) bool { return s.active }

func (s *scriptStage) Params(*session.Session) any { return s.params }

func (s *scriptStage) Auth(context.Context, map[string]any, *session.Session) stages.AuthResponse {
	if s.errCode != "" {
		return stages.Failure(s.errCode, "scripted failure")
	}
	return stages.AuthResponse{Success: true, Data: s.data}
}

func okStage(typ string) *scriptStage { return &scriptStage{typ: typ, active: true} }

type testEnv struct {
	handler *Handler
	store   *session.Store
	served  *bool
}

func newEnv(t *testing.T, flows []Flow, stageSet map[string]stages.Stage, aliases map[string]string) *testEnv {
	t.Helper()
	store := session.NewStore(time.Minute)
	t.Cleanup(store.Close)
	return &testEnv{
		handler: NewHandler("login", flows, stageSet, aliases, store),
		store:   store,
		served:  new(bool),
	}
}

// post drives one request through the middleware and decodes the body.
func (e *testEnv) post(t *testing.T, body map[string]any) (int, map[string]any) {
	t.Helper()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*e.served = true
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req = req.WithContext(ContextWithBody(req.Context(), body))
	rec := httptest.NewRecorder()
	e.handler.Middleware(inner).ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec.Code, decoded
}

func TestMiddleware_InitialRequestReturnsProgress(t *testing.T) {
	env := newEnv(t,
		[]Flow{{Stages: []string{"m.login.dummy"}}},
		map[string]stages.Stage{
			"m.login.dummy": &scriptStage{typ: "m.login.dummy", active: true, params: map[string]string{"k": "v"}},
		}, nil)

	code, body := env.post(t, map[string]any{})
	require.Equal(t, http.StatusUnauthorized, code)
	require.NotEmpty(t, body["session"])
	require.NotContains(t, body, "completed")
	require.NotContains(t, body, "errcode")

	flows := body["flows"].([]any)
	require.Len(t, flows, 1)
	params := body["params"].(map[string]any)
	require.Contains(t, params, "m.login.dummy")
	require.False(t, *env.served)
}

func TestMiddleware_SingleStageFlowCompletes(t *testing.T) {
	env := newEnv(t,
		[]Flow{{Stages: []string{"m.login.dummy"}}},
		map[string]stages.Stage{"m.login.dummy": okStage("m.login.dummy")}, nil)

	_, body := env.post(t, map[string]any{})
	sessionID := body["session"].(string)

	code, _ := env.post(t, map[string]any{
		"auth": map[string]any{"session": sessionID, "type": "m.login.dummy"},
	})
	require.Equal(t, http.StatusOK, code)
	require.True(t, *env.served)
}

func TestMiddleware_UnknownSession(t *testing.T) {
	env := newEnv(t,
		[]Flow{{Stages: []string{"m.login.dummy"}}},
		map[string]stages.Stage{"m.login.dummy": okStage("m.login.dummy")}, nil)

	code, body := env.post(t, map[string]any{
		"auth": map[string]any{"session": "nonexistent", "type": "m.login.dummy"},
	})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "M_UNRECOGNIZED", body["errcode"])
}

func TestMiddleware_SessionBoundToEndpoint(t *testing.T) {
	store := session.NewStore(time.Minute)
	defer store.Close()

	other, err := store.New("password")
	require.NoError(t, err)

	h := NewHandler("login", []Flow{{Stages: []string{"m.login.dummy"}}},
		map[string]stages.Stage{"m.login.dummy": okStage("m.login.dummy")}, nil, store)

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req = req.WithContext(ContextWithBody(req.Context(), map[string]any{
		"auth": map[string]any{"session": other.ID, "type": "m.login.dummy"},
	}))
	rec := httptest.NewRecorder()
	h.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	})).ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMiddleware_StageNotPermitted(t *testing.T) {
	env := newEnv(t,
		[]Flow{{Stages: []string{"m.login.password", "m.login.dummy"}}},
		map[string]stages.Stage{
			"m.login.password": okStage("m.login.password"),
			"m.login.dummy":    okStage("m.login.dummy"),
		}, nil)

	_, body := env.post(t, map[string]any{})
	sessionID := body["session"].(string)

	// m.login.dummy is second in the flow; attempting it first is a
	// protocol violation.
	code, resp := env.post(t, map[string]any{
		"auth": map[string]any{"session": sessionID, "type": "m.login.dummy"},
	})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "M_BAD_JSON", resp["errcode"])
}

func TestMiddleware_StageFailureKeepsProgress(t *testing.T) {
	env := newEnv(t,
		[]Flow{{Stages: []string{"m.login.password"}}},
		map[string]stages.Stage{
			"m.login.password": &scriptStage{typ: "m.login.password", active: true, errCode: "M_FORBIDDEN"},
		}, nil)

	_, body := env.post(t, map[string]any{})
	sessionID := body["session"].(string)

	code, resp := env.post(t, map[string]any{
		"auth": map[string]any{"session": sessionID, "type": "m.login.password"},
	})
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "M_FORBIDDEN", resp["errcode"])
	require.Equal(t, sessionID, resp["session"])
	require.False(t, *env.served)
}

func TestMiddleware_MultiStageOrder(t *testing.T) {
	env := newEnv(t,
		[]Flow{{Stages: []string{"a", "b"}}},
		map[string]stages.Stage{"a": okStage("a"), "b": okStage("b")}, nil)

	_, body := env.post(t, map[string]any{})
	sessionID := body["session"].(string)

	code, resp := env.post(t, map[string]any{
		"auth": map[string]any{"session": sessionID, "type": "a"},
	})
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, []any{"a"}, resp["completed"])

	code, _ = env.post(t, map[string]any{
		"auth": map[string]any{"session": sessionID, "type": "b"},
	})
	require.Equal(t, http.StatusOK, code)
}

func TestMiddleware_ConcurrentSameSessionRecordsStageOnce(t *testing.T) {
	env := newEnv(t,
		[]Flow{{Stages: []string{"a", "b"}}},
		map[string]stages.Stage{"a": okStage("a"), "b": okStage("b")}, nil)

	_, body := env.post(t, map[string]any{})
	sessionID := body["session"].(string)

	// Two simultaneous attempts at the same stage. The session lock
	// serializes them: one is recorded and answered with progress, the
	// other finds the stage no longer permitted.
	start := make(chan struct{})
	codes := make(chan int, 2)
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			code, _ := env.post(t, map[string]any{
				"auth": map[string]any{"session": sessionID, "type": "a"},
			})
			codes <- code
		}()
	}
	close(start)
	wg.Wait()
	close(codes)

	var got []int
	for code := range codes {
		got = append(got, code)
	}
	require.ElementsMatch(t, []int{http.StatusUnauthorized, http.StatusBadRequest}, got)

	sess := env.store.Get(sessionID)
	require.NotNil(t, sess)
	require.Equal(t, []string{"a"}, sess.Completed)
}

func TestChallenge_RepeatedStageRecordedOnce(t *testing.T) {
	env := newEnv(t,
		[]Flow{{Stages: []string{"a", "b"}}},
		map[string]stages.Stage{"a": okStage("a"), "b": okStage("b")}, nil)

	sess, err := env.store.New("login")
	require.NoError(t, err)

	require.True(t, env.handler.Challenge(context.Background(), "a", sess, nil).Success)
	require.True(t, env.handler.Challenge(context.Background(), "a", sess, nil).Success)
	require.Equal(t, []string{"a"}, sess.Completed)
}

func TestNextStages_OnlyImmediateSuccessors(t *testing.T) {
	env := newEnv(t,
		[]Flow{
			{Stages: []string{"a", "b"}},
			{Stages: []string{"c"}},
		},
		map[string]stages.Stage{"a": okStage("a"), "b": okStage("b"), "c": okStage("c")}, nil)

	sess, err := env.store.New("login")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "c"}, env.handler.NextStages(sess))

	sess.Completed = []string{"a"}
	require.ElementsMatch(t, []string{"b"}, env.handler.NextStages(sess))

	sess.Completed = []string{"a", "b"}
	require.Empty(t, env.handler.NextStages(sess))
	require.True(t, env.handler.Complete(sess))
}

func TestFlows_InactiveStagesFilteredAndSkipped(t *testing.T) {
	env := newEnv(t,
		[]Flow{{Stages: []string{"w", "m.login.dummy"}}},
		map[string]stages.Stage{
			"w":             &scriptStage{typ: "w", active: false},
			"m.login.dummy": okStage("m.login.dummy"),
		}, nil)

	_, body := env.post(t, map[string]any{})
	sessionID := body["session"].(string)

	flows := body["flows"].([]any)
	flow := flows[0].(map[string]any)["stages"].([]any)
	require.Equal(t, []any{"m.login.dummy"}, flow)

	// The remaining stage alone completes the flow.
	code, _ := env.post(t, map[string]any{
		"auth": map[string]any{"session": sessionID, "type": "m.login.dummy"},
	})
	require.Equal(t, http.StatusOK, code)
}

func TestMiddleware_StageAliases(t *testing.T) {
	env := newEnv(t,
		[]Flow{{Stages: []string{"m.login.password"}}},
		map[string]stages.Stage{"m.login.dummy": okStage("m.login.dummy")},
		map[string]string{"m.login.password": "m.login.dummy"})

	_, body := env.post(t, map[string]any{})
	sessionID := body["session"].(string)

	code, _ := env.post(t, map[string]any{
		"auth": map[string]any{"session": sessionID, "type": "m.login.password"},
	})
	require.Equal(t, http.StatusOK, code)
}

func TestMiddleware_TokenTypeRoutesToSSOStage(t *testing.T) {
	env := newEnv(t,
		[]Flow{{Stages: []string{stages.TypeSSO}}},
		map[string]stages.Stage{stages.TypeSSO: okStage(stages.TypeSSO)}, nil)

	_, body := env.post(t, map[string]any{})
	sessionID := body["session"].(string)

	code, _ := env.post(t, map[string]any{
		"auth": map[string]any{"session": sessionID, "type": "m.login.token", "token": "x"},
	})
	require.Equal(t, http.StatusOK, code)
}

func TestParams_MemoizedAcrossRequests(t *testing.T) {
	stage := &scriptStage{typ: "w", active: true, params: map[string]string{"welcome_message": "hi"}}
	env := newEnv(t,
		[]Flow{{Stages: []string{"w"}}},
		map[string]stages.Stage{"w": stage}, nil)

	_, body := env.post(t, map[string]any{})
	sessionID := body["session"].(string)

	// Mutating the stage's params after the first computation must not
	// change what the session reports.
	stage.params = map[string]string{"welcome_message": "changed"}
	_, body = env.post(t, map[string]any{"auth": map[string]any{"session": sessionID}})
	params := body["params"].(map[string]any)
	w := params["w"].(map[string]any)
	require.Equal(t, "hi", w["welcome_message"])
}

func TestChallenge_MergesDataAndRecordsCompletion(t *testing.T) {
	admin := true
	env := newEnv(t,
		[]Flow{{Stages: []string{"a"}}},
		map[string]stages.Stage{
			"a": &scriptStage{typ: "a", active: true, data: &session.Data{Username: "alice", Admin: &admin}},
		}, nil)

	sess, err := env.store.New("login")
	require.NoError(t, err)

	res := env.handler.Challenge(context.Background(), "a", sess, nil)
	require.True(t, res.Success)
	require.Equal(t, "alice", sess.Data.Username)
	require.NotNil(t, sess.Data.Admin)
	require.Equal(t, []string{"a"}, sess.Completed)
	require.True(t, env.handler.Complete(sess))
}

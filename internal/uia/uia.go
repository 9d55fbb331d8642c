// UIA Proxy - User-Interactive Authentication for Matrix homeservers
// Copyright 2026 Famedly GmbH
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/famedly/uia-proxy

// Package uia implements the User-Interactive Authentication state
// machine: per-endpoint flows, stage progression tracking and the HTTP
// middleware that gates an endpoint handler behind a completed flow.
package uia

import (
	"context"
	"net/http"

	"github.com/famedly/uia-proxy/internal/logging"
	"github.com/famedly/uia-proxy/internal/matrix"
	"github.com/famedly/uia-proxy/internal/metrics"
	"github.com/famedly/uia-proxy/internal/session"
	"github.com/famedly/uia-proxy/internal/stages"
)

// Flow is one ordered stage sequence a client may complete.
type Flow struct {
	Stages []string `koanf:"stages" json:"stages"`
}

// progressResponse is the 401 UIA envelope sent while a flow is
// incomplete.
type progressResponse struct {
	Session   string         `json:"session"`
	Flows     []Flow         `json:"flows"`
	Params    map[string]any `json:"params"`
	Completed []string       `json:"completed,omitempty"`
	ErrCode   string         `json:"errcode,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Handler drives UIA for one endpoint.
type Handler struct {
	endpoint string
	flows    []Flow
	stages   map[string]stages.Stage
	aliases  map[string]string
	store    *session.Store
}

// NewHandler builds the per-endpoint handler. flows name stages by their
// pre-alias identifiers; aliases translate a flow or request stage type
// to the configured stage instance.
func NewHandler(endpoint string, flows []Flow, stageSet map[string]stages.Stage, aliases map[string]string, store *session.Store) *Handler {
	return &Handler{
		endpoint: endpoint,
		flows:    flows,
		stages:   stageSet,
		aliases:  aliases,
		store:    store,
	}
}

// resolve translates a stage type through the alias table and looks up
// the instance.
func (h *Handler) resolve(stageType string) (stages.Stage, bool) {
	if target, ok := h.aliases[stageType]; ok {
		stageType = target
	}
	s, ok := h.stages[stageType]
	return s, ok
}

// Flows returns the configured flows with stages that are currently
// inactive for this session filtered out. Filtered stages are recorded
// as skipped so completion checks ignore them.
func (h *Handler) Flows(sess *session.Session) []Flow {
	out := make([]Flow, 0, len(h.flows))
	for _, f := range h.flows {
		kept := make([]string, 0, len(f.Stages))
		for _, t := range f.Stages {
			stage, ok := h.resolve(t)
			if !ok {
				continue
			}
			if !stage.IsActive(&sess.Data) {
				sess.Skipped[t] = true
				continue
			}
			kept = append(kept, t)
		}
		out = append(out, Flow{Stages: kept})
	}
	return out
}

// Params collects the public parameters of every configured stage,
// memoized in the session so repeated progress responses stay stable.
func (h *Handler) Params(sess *session.Session) map[string]any {
	changed := false
	for _, f := range h.flows {
		for _, t := range f.Stages {
			if _, done := sess.Params[t]; done {
				continue
			}
			stage, ok := h.resolve(t)
			if !ok {
				continue
			}
			if p := stage.Params(sess); p != nil {
				sess.Params[t] = p
				changed = true
			}
		}
	}
	if changed {
		h.store.Save(sess)
	}
	return sess.Params
}

// effectiveCompleted is the completion record with skipped stages
// removed.
func effectiveCompleted(sess *session.Session) []string {
	out := make([]string, 0, len(sess.Completed))
	for _, t := range sess.Completed {
		if !sess.Skipped[t] {
			out = append(out, t)
		}
	}
	return out
}

// Complete reports whether the session's completed stages match one of
// the configured flows exactly.
func (h *Handler) Complete(sess *session.Session) bool {
	completed := effectiveCompleted(sess)
	for _, f := range h.Flows(sess) {
		if len(f.Stages) != len(completed) {
			continue
		}
		match := true
		for i, t := range f.Stages {
			if completed[i] != t {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// NextStages returns the stage types any flow permits as the immediate
// next step.
func (h *Handler) NextStages(sess *session.Session) []string {
	completed := effectiveCompleted(sess)
	seen := make(map[string]bool)
	var next []string
	for _, f := range h.Flows(sess) {
		if len(f.Stages) <= len(completed) {
			continue
		}
		prefix := true
		for i, t := range completed {
			if f.Stages[i] != t {
				prefix = false
				break
			}
		}
		if !prefix {
			continue
		}
		t := f.Stages[len(completed)]
		if !seen[t] {
			seen[t] = true
			next = append(next, t)
		}
	}
	return next
}

// Challenge runs one stage attempt. On success the stage's data is
// merged into the session and the stage recorded as completed.
func (h *Handler) Challenge(ctx context.Context, stageType string, sess *session.Session, auth map[string]any) stages.AuthResponse {
	stage, ok := h.resolve(stageType)
	if !ok {
		return stages.Failure(matrix.ErrCodeBadJSON, "Unknown stage type")
	}
	res := stage.Auth(ctx, auth, sess)
	if res.Success {
		sess.Data.Merge(res.Data)
		// A stage type appears at most once in the completion record,
		// even if a client passes the same stage twice.
		if !sess.HasCompleted(stageType) {
			sess.Completed = append(sess.Completed, stageType)
		}
		h.store.Save(sess)
		metrics.StageAttempts.WithLabelValues(stage.Type(), "success").Inc()
	} else {
		metrics.StageAttempts.WithLabelValues(stage.Type(), "failure").Inc()
	}
	return res
}

// Middleware gates next behind a completed UIA flow, implementing the
// 401 progress protocol. The session lock is held for the whole request,
// so concurrent requests sharing a session ID are applied one at a time.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := BodyFromContext(r.Context())
		auth, _ := body["auth"].(map[string]any)

		sess, merr := h.sessionFor(auth)
		if merr != nil {
			status := http.StatusBadRequest
			if merr.ErrCode == matrix.ErrCodeUnknown {
				status = http.StatusInternalServerError
			}
			matrix.RespondError(w, status, merr)
			return
		}
		sess.Lock()
		defer sess.Unlock()

		authType, _ := auth["type"].(string)

		// m.login.token is not a configured stage of its own; it
		// completes the SSO stage.
		requested := authType
		if authType == stages.TypeToken {
			requested = h.tokenStageType()
		}

		if authType == "" {
			h.respondProgress(w, sess, "", "")
			return
		}

		if !h.permitted(sess, requested) {
			matrix.RespondError(w, http.StatusBadRequest,
				matrix.NewError(matrix.ErrCodeBadJSON, "Stage is not permitted here"))
			return
		}

		res := h.Challenge(r.Context(), requested, sess, auth)
		if !res.Success {
			logging.Debug().
				Str("endpoint", h.endpoint).
				Str("stage", requested).
				Str("errcode", res.ErrCode).
				Msg("stage attempt failed")
			h.respondProgress(w, sess, res.ErrCode, res.Error)
			return
		}

		if !h.Complete(sess) {
			h.respondProgress(w, sess, "", "")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), sess)))
	})
}

// sessionFor finds or creates the request's session. A supplied but
// unknown session ID, or one created for a different endpoint, fails.
func (h *Handler) sessionFor(auth map[string]any) (*session.Session, *matrix.Error) {
	id, _ := auth["session"].(string)
	if id == "" {
		sess, err := h.store.New(h.endpoint)
		if err != nil {
			logging.Err(err).Msg("session allocation failed")
			return nil, matrix.NewError(matrix.ErrCodeUnknown, "Session allocation failed")
		}
		metrics.SessionsCreated.WithLabelValues(h.endpoint).Inc()
		return sess, nil
	}
	sess := h.store.Get(id)
	if sess == nil || sess.Endpoint != h.endpoint {
		return nil, matrix.ErrUnknownSession
	}
	return sess, nil
}

// tokenStageType finds the flow-level name the SSO stage goes by on this
// endpoint, honoring aliases.
func (h *Handler) tokenStageType() string {
	for _, f := range h.flows {
		for _, t := range f.Stages {
			if resolved, ok := h.resolve(t); ok && resolved.Type() == stages.TypeSSO {
				return t
			}
		}
	}
	return stages.TypeSSO
}

// permitted reports whether the stage type is configured and is a legal
// next step.
func (h *Handler) permitted(sess *session.Session, stageType string) bool {
	if _, ok := h.resolve(stageType); !ok {
		return false
	}
	for _, t := range h.NextStages(sess) {
		if t == stageType {
			return true
		}
	}
	return false
}

func (h *Handler) respondProgress(w http.ResponseWriter, sess *session.Session, errCode, errMessage string) {
	matrix.RespondJSON(w, http.StatusUnauthorized, progressResponse{
		Session:   sess.ID,
		Flows:     h.Flows(sess),
		Params:    h.Params(sess),
		Completed: effectiveCompleted(sess),
		ErrCode:   errCode,
		Error:     errMessage,
	})
}

type contextKey int

const (
	bodyKey contextKey = iota
	sessionKey
)

// ContextWithBody stores the parsed JSON request body.
func ContextWithBody(ctx context.Context, body map[string]any) context.Context {
	return context.WithValue(ctx, bodyKey, body)
}

// BodyFromContext returns the parsed JSON request body.
func BodyFromContext(ctx context.Context) (map[string]any, bool) {
	body, ok := ctx.Value(bodyKey).(map[string]any)
	return body, ok
}

// ContextWithSession stores the completed UIA session for the endpoint
// handler.
func ContextWithSession(ctx context.Context, sess *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// SessionFromContext returns the completed UIA session.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(sessionKey).(*session.Session)
	return sess, ok
}

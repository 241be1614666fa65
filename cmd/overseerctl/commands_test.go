package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/neogan74/overseer/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	auth   string
	body   string
}

func newFakeServer(t *testing.T, routes map[string]func(w http.ResponseWriter)) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var seen []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		seen = append(seen, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
			body:   buf.String(),
		})
		handler, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not_found","message":"no route"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		handler(w)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func respond(status int, body string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStats(t *testing.T) {
	srv, seen := newFakeServer(t, map[string]func(http.ResponseWriter){
		"GET /api/v1/governance/stats": respond(200, `{"totalOperations":3,"allowed":2,"blocked":1,"isPaused":false}`),
	})

	out, err := run(t, "--server", srv.URL, "--token", "tok", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "allowed")
	assert.Contains(t, out, "totalOperations")
	require.Len(t, *seen, 1)
	assert.Equal(t, "Bearer tok", (*seen)[0].auth)

	out, err = run(t, "--server", srv.URL, "-o", "json", "stats")
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, float64(3), stats["totalOperations"])
}

func TestPauseAndResume(t *testing.T) {
	srv, _ := newFakeServer(t, map[string]func(http.ResponseWriter){
		"POST /api/v1/governance/pause":  respond(200, `{"paused":true,"changed":true}`),
		"POST /api/v1/governance/resume": respond(200, `{"paused":false,"changed":false}`),
	})

	out, err := run(t, "--server", srv.URL, "pause")
	require.NoError(t, err)
	assert.Equal(t, "paused\n", out)

	out, err = run(t, "--server", srv.URL, "resume")
	require.NoError(t, err)
	assert.Equal(t, "already resumed\n", out)
}

func TestApprovals(t *testing.T) {
	srv, seen := newFakeServer(t, map[string]func(http.ResponseWriter){
		"GET /api/v1/approvals":             respond(200, `{"approvals":[{"id":"a1","status":"Pending","reason":"shell","operation":{"category":"exec","action":"shell","source":"agent-2"}}],"count":1}`),
		"POST /api/v1/approvals/a1/approve": respond(200, `{"approval":{"id":"a1","status":"Approved"}}`),
		"POST /api/v1/approvals/a1/deny":    respond(200, `{"approval":{"id":"a1","status":"Denied"}}`),
	})

	out, err := run(t, "--server", srv.URL, "approvals", "--status", "all")
	require.NoError(t, err)
	assert.Contains(t, out, "exec.shell")
	assert.Equal(t, "status=all", (*seen)[0].query)

	out, err = run(t, "--server", srv.URL, "approvals", "approve", "a1")
	require.NoError(t, err)
	assert.Equal(t, "approval a1 is Approved\n", out)

	out, err = run(t, "--server", srv.URL, "approvals", "deny", "a1", "--reason", "risky")
	require.NoError(t, err)
	assert.Equal(t, "approval a1 is Denied\n", out)
	last := (*seen)[len(*seen)-1]
	assert.JSONEq(t, `{"reason":"risky"}`, last.body)
}

func TestApprovals_ServerError(t *testing.T) {
	srv, _ := newFakeServer(t, map[string]func(http.ResponseWriter){
		"POST /api/v1/approvals/a1/approve": respond(409, `{"error":"already_resolved","message":"approval 'a1' is Approved"}`),
	})

	_, err := run(t, "--server", srv.URL, "approvals", "approve", "a1")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "already_resolved: approval 'a1' is Approved", err.Error())
}

func TestLedger(t *testing.T) {
	srv, seen := newFakeServer(t, map[string]func(http.ResponseWriter){
		"GET /api/v1/ledger/verify": respond(200, `{"valid":true,"checked":12}`),
		"GET /api/v1/ledger/recent": respond(200, `{"entries":[{"sequence":1,"timestamp":"2026-01-01T00:00:00Z","payload":{"id":"e1"},"hash":"abcdef0123456789"}],"count":1}`),
	})

	out, err := run(t, "--server", srv.URL, "ledger", "verify")
	require.NoError(t, err)
	assert.Equal(t, "valid: 12 entries checked\n", out)

	out, err = run(t, "--server", srv.URL, "ledger", "recent", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "abcdef012345")
	assert.NotContains(t, out, "abcdef0123456789")
	assert.Equal(t, "limit=5", (*seen)[len(*seen)-1].query)
}

func TestLedger_BrokenChain(t *testing.T) {
	srv, _ := newFakeServer(t, map[string]func(http.ResponseWriter){
		"GET /api/v1/ledger/verify": respond(500, `{"error":"chain_integrity","message":"ledger chain broken at sequence 4: hash mismatch"}`),
	})

	out, err := run(t, "--server", srv.URL, "ledger", "verify")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(out, "BROKEN: ledger chain broken at sequence 4"))
}

func TestLedger_Repair(t *testing.T) {
	srv, seen := newFakeServer(t, map[string]func(http.ResponseWriter){
		"POST /api/v1/ledger/repair": respond(200, `{"appended":["a","b"],"missingFromLedger":[],"missingFromAudit":["c"],"consistent":false}`),
	})

	out, err := run(t, "--server", srv.URL, "ledger", "repair", "--hours", "6")
	require.NoError(t, err)
	assert.Equal(t, "appended 2 entries\n1 ledger entries have no audit record\n", out)
	assert.Equal(t, "hours=6", (*seen)[0].query)
}

func TestAnomaliesAndGuardrails(t *testing.T) {
	srv, seen := newFakeServer(t, map[string]func(http.ResponseWriter){
		"GET /api/v1/anomalies":            respond(200, `{"events":[],"count":0}`),
		"POST /api/v1/anomalies/x1/review": respond(200, `{"id":"x1","reviewedBy":"ops"}`),
		"GET /api/v1/insights/guardrails":  respond(200, `{"suggestions":[{"id":"s1","occurrences":3,"suggestedRule":"block exec.shell for source agent-2","confidence":0.3}]}`),
	})

	out, err := run(t, "--server", srv.URL, "anomalies", "--hours", "48")
	require.NoError(t, err)
	assert.Equal(t, "no anomalies\n", out)
	assert.Equal(t, "hours=48", (*seen)[0].query)

	out, err = run(t, "--server", srv.URL, "anomalies", "review", "x1")
	require.NoError(t, err)
	assert.Equal(t, "anomaly x1 reviewed\n", out)

	out, err = run(t, "--server", srv.URL, "guardrails")
	require.NoError(t, err)
	assert.Contains(t, out, "block exec.shell for source agent-2")
	assert.Contains(t, out, "0.30")
}

func TestInvalidOutputFormat(t *testing.T) {
	_, err := run(t, "-o", "yaml", "stats")
	require.Error(t, err)
}

func TestToken(t *testing.T) {
	out, err := run(t, "token", "--secret", "s3cret", "--operator", "alice", "--role", "approver")
	require.NoError(t, err)

	claims, err := auth.NewJWTService("s3cret", 0, "overseer").ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.OperatorID)
	assert.True(t, claims.HasRole(auth.RoleApprover))

	_, err = run(t, "token", "--secret", "s3cret")
	require.Error(t, err)
	_, err = run(t, "token", "--secret", "s3cret", "--operator", "alice", "--role", "root")
	require.Error(t, err)
}

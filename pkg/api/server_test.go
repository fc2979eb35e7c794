package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/auth"
	"github.com/mfactory-lab/multisig/pkg/capability"
	"github.com/mfactory-lab/multisig/pkg/capability/transfer"
	"github.com/mfactory-lab/multisig/pkg/config"
	"github.com/mfactory-lab/multisig/pkg/journal"
	"github.com/mfactory-lab/multisig/pkg/multisig"
	"github.com/mfactory-lab/multisig/pkg/store"
)

var (
	alice = address.Derive("test", []byte("alice"))
	bob   = address.Derive("test", []byte("bob"))
	carol = address.Derive("test", []byte("carol"))
	vault = address.Derive("test", []byte("vault"))
)

type harness struct {
	t       *testing.T
	srv     *httptest.Server
	st      store.Store
	keys    *auth.Keys
	journal *journal.Journal
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	reg := capability.NewRegistry()
	require.NoError(t, transfer.Register(reg))
	j := journal.New(nil)
	e, err := multisig.New(st, reg)
	require.NoError(t, err)
	e.WithEventSink(j)

	keys, err := auth.NewKeys(config.AuthConfig{Issuer: "multisig", Secret: "0123456789abcdef", TokenTTL: time.Hour})
	require.NoError(t, err)

	s := NewServer(e, keys, append([]Option{WithJournal(j)}, opts...)...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{t: t, srv: srv, st: st, keys: keys, journal: j}
}

// call performs a request as caller (unauthenticated when caller is zero)
// and decodes a successful response into out.
func (h *harness) call(caller address.Address, method, path string, body, out any) (int, *ProblemDetail) {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(h.t, err)
	if !caller.IsZero() {
		token, err := h.keys.Issue(caller)
		require.NoError(h.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		assert.Equal(h.t, "application/problem+json", resp.Header.Get("Content-Type"))
		var p ProblemDetail
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&p))
		return resp.StatusCode, &p
	}
	if out != nil {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode, nil
}

func (h *harness) createIdentity(threshold uint32, owners ...address.Address) *multisig.Identity {
	h.t.Helper()
	var id multisig.Identity
	status, p := h.call(alice, http.MethodPost, "/v1/identities", CreateIdentityRequest{
		Label: fmt.Sprintf("treasury-%d", len(owners)), Owners: owners, Threshold: threshold,
	}, &id)
	require.Nil(h.t, p)
	require.Equal(h.t, http.StatusCreated, status)
	return &id
}

func TestServer_PublicPaths(t *testing.T) {
	h := newHarness(t)

	status, p := h.call(address.Zero, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Nil(t, p)

	var programs []capability.Program
	status, _ = h.call(address.Zero, http.MethodGet, "/v1/programs", nil, &programs)
	assert.Equal(t, http.StatusOK, status)
	names := make([]string, len(programs))
	for i, pr := range programs {
		names[i] = pr.Name
	}
	assert.ElementsMatch(t, []string{"multisig", transfer.Name}, names)
}

func TestServer_RequiresToken(t *testing.T) {
	h := newHarness(t)

	status, p := h.call(address.Zero, http.MethodPost, "/v1/identities", CreateIdentityRequest{}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, p)
	assert.Equal(t, "/v1/identities", p.Instance)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/v1/identities/"+alice.String(), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
}

func TestServer_TwoOfThreeTransfer(t *testing.T) {
	h := newHarness(t)
	id := h.createIdentity(2, alice, bob, carol)
	require.NoError(t, transfer.Mint(context.Background(), h.st, id.Signer(), 100))

	ins, err := transfer.Instruction(id.Signer(), vault, 60)
	require.NoError(t, err)

	var a multisig.Action
	status, p := h.call(alice, http.MethodPost, "/v1/identities/"+id.Address.String()+"/actions",
		ProposeRequest{Instructions: []multisig.Instruction{ins}}, &a)
	require.Nil(t, p)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, []bool{true, false, false}, a.Approvals)

	actionPath := fmt.Sprintf("/v1/identities/%s/actions/%d", id.Address, a.Index)

	// One approval is not enough.
	status, p = h.call(bob, http.MethodPost, actionPath+"/execute", nil, nil)
	assert.Equal(t, http.StatusConflict, status)
	require.NotNil(t, p)
	assert.Equal(t, "insufficient_approvals", p.Code)
	assert.Equal(t, "conflict", p.Kind)

	status, _ = h.call(carol, http.MethodPost, actionPath+"/approve", nil, &a)
	assert.Equal(t, http.StatusOK, status)

	status, p = h.call(bob, http.MethodPost, actionPath+"/execute", nil, &a)
	require.Nil(t, p)
	assert.Equal(t, http.StatusOK, status)
	assert.NotNil(t, a.ExecutedAt)
	assert.Equal(t, bob, a.Executor)

	var bal uint64
	require.NoError(t, h.st.View(context.Background(), func(r store.Reader) error {
		bal, err = transfer.Balance(context.Background(), r, vault)
		return err
	}))
	assert.Equal(t, uint64(60), bal)

	status, p = h.call(bob, http.MethodPost, actionPath+"/execute", nil, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_executed", p.Code)

	var events []*journal.Entry
	status, _ = h.call(alice, http.MethodGet, "/v1/identities/"+id.Address.String()+"/events?after=1", nil, &events)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, events, 3)
	assert.Equal(t, multisig.EventActionExecuted, events[2].Event.Type)

	// Only the proposer closes.
	status, p = h.call(bob, http.MethodDelete, actionPath, nil, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_proposer", p.Code)
	status, _ = h.call(alice, http.MethodDelete, actionPath, nil, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, p = h.call(alice, http.MethodGet, actionPath, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "action_not_found", p.Code)
}

func TestServer_ErrorMapping(t *testing.T) {
	h := newHarness(t)
	id := h.createIdentity(1, alice, bob)
	idPath := "/v1/identities/" + id.Address.String()

	cases := []struct {
		name   string
		caller address.Address
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"not an owner", carol, http.MethodPost, idPath + "/actions", ProposeRequest{}, http.StatusForbidden, "not_an_owner"},
		{"invalid threshold", alice, http.MethodPost, "/v1/identities",
			CreateIdentityRequest{Label: "x", Owners: []address.Address{alice}, Threshold: 2}, http.StatusBadRequest, "invalid_threshold"},
		{"duplicate", alice, http.MethodPost, "/v1/identities",
			CreateIdentityRequest{Label: "treasury-2", Owners: []address.Address{alice, bob}, Threshold: 1}, http.StatusConflict, "already_exists"},
		{"unknown identity", alice, http.MethodGet, "/v1/identities/" + vault.String(), nil, http.StatusNotFound, "identity_not_found"},
		{"bad address", alice, http.MethodGet, "/v1/identities/xyz", nil, http.StatusBadRequest, ""},
		{"bad index", alice, http.MethodGet, idPath + "/actions/-1", nil, http.StatusBadRequest, ""},
		{"base and label", alice, http.MethodPost, "/v1/identities",
			CreateIdentityRequest{Base: []byte("b"), Label: "x", Owners: []address.Address{alice}, Threshold: 1}, http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, p := h.call(tc.caller, tc.method, tc.path, tc.body, nil)
			assert.Equal(t, tc.status, status)
			require.NotNil(t, p)
			assert.Equal(t, tc.status, p.Status)
			if tc.code != "" {
				assert.Equal(t, tc.code, p.Code)
			}
		})
	}
}

func TestServer_ExternalFailureIs422(t *testing.T) {
	h := newHarness(t)
	id := h.createIdentity(1, alice, bob)

	ins, err := transfer.Instruction(id.Signer(), vault, 10)
	require.NoError(t, err)
	var a multisig.Action
	_, p := h.call(alice, http.MethodPost, "/v1/identities/"+id.Address.String()+"/actions",
		ProposeRequest{Instructions: []multisig.Instruction{ins}}, &a)
	require.Nil(t, p)

	status, p := h.call(alice, http.MethodPost,
		fmt.Sprintf("/v1/identities/%s/actions/%d/execute", id.Address, a.Index), nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "instruction_failed", p.Code)
}

func TestServer_UnknownFieldRejected(t *testing.T) {
	h := newHarness(t)
	status, _ := h.call(alice, http.MethodPost, "/v1/identities", map[string]any{"label": "x", "colour": "red"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServer_EventsWithoutJournal(t *testing.T) {
	st := store.NewMemoryStore()
	e, err := multisig.New(st, capability.NewRegistry())
	require.NoError(t, err)
	s := NewServer(e, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/identities/"+alice.String()+"/events", nil)
	req = req.WithContext(auth.WithCaller(req.Context(), alice))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimiter_PerCaller(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }
	h := newHarness(t, WithRateLimiter(rl))

	for i := 0; i < 2; i++ {
		status, _ := h.call(alice, http.MethodGet, "/v1/identities/"+vault.String(), nil, nil)
		assert.Equal(t, http.StatusNotFound, status)
	}
	status, p := h.call(alice, http.MethodGet, "/v1/identities/"+vault.String(), nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, http.StatusTooManyRequests, p.Status)

	// Bob has his own bucket.
	status, _ = h.call(bob, http.MethodGet, "/v1/identities/"+vault.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	now = now.Add(time.Second)
	status, _ = h.call(alice, http.MethodGet, "/v1/identities/"+vault.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func (h *harness) callWithToken(token, path string) (int, *ProblemDetail) {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.srv.URL+path, nil)
	require.NoError(h.t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	var p ProblemDetail
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&p))
	return resp.StatusCode, &p
}

func TestRateLimiter_FailedAuthByIP(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }
	h := newHarness(t, WithRateLimiter(rl))
	path := "/v1/identities/" + vault.String()

	// Valid callers do not draw from the failed-auth bucket.
	for i := 0; i < 2; i++ {
		status, _ := h.call(alice, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusNotFound, status)
	}

	for i := 0; i < 2; i++ {
		status, _ := h.callWithToken("not-a-jwt", path)
		assert.Equal(t, http.StatusUnauthorized, status)
	}
	status, p := h.callWithToken("not-a-jwt", path)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, http.StatusTooManyRequests, p.Status)

	status, _ = h.call(address.Zero, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, status, "missing tokens are throttled too")

	now = now.Add(time.Second)
	status, _ = h.callWithToken("not-a-jwt", path)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusOf(multisig.KindValidation))
	assert.Equal(t, http.StatusForbidden, StatusOf(multisig.KindAuthorization))
	assert.Equal(t, http.StatusConflict, StatusOf(multisig.KindStaleness))
	assert.Equal(t, http.StatusConflict, StatusOf(multisig.KindConflict))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusOf(multisig.KindExternalFailure))
	assert.Equal(t, http.StatusNotFound, StatusOf(multisig.KindNotFound))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(multisig.KindUnknown))
}

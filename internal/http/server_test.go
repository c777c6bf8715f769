package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerbot/internal/core"
	"ledgerbot/internal/ledger"
	"ledgerbot/internal/ratelimit"
	"ledgerbot/internal/services"
	"ledgerbot/internal/sheets/memory"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

// Now returns a strictly increasing time so a write is inside the
// interval of the next query.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type apiFixture struct {
	srv    *Server
	ledger *ledger.Cache
	store  *memory.Store
}

func newAPI(t *testing.T, writesPerMinute int) apiFixture {
	t.Helper()
	clock := &stepClock{t: time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)}
	store := memory.New([]string{"Food", "Rent"})
	limiter := ratelimit.New(ratelimit.Config{Requests: 1000, Window: time.Minute})
	l := ledger.New(store, limiter, ledger.Config{FreshFor: time.Hour, Clock: clock}, nil)
	require.NoError(t, l.Load(context.Background()))
	svc := services.NewLedgerService(l, store, limiter, services.Config{Clock: clock}, nil)
	return apiFixture{
		srv:    NewServer(Config{Addr: ":0", WritesPerMinute: writesPerMinute}, svc, nil),
		ledger: l,
		store:  store,
	}
}

func (f apiFixture) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	return rr
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	return env
}

func TestHealthAndReady(t *testing.T) {
	f := newAPI(t, 0)
	for _, path := range []string{"/healthz", "/readyz", "/status"} {
		rr := f.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusOK, rr.Code, path)
		assert.True(t, decode(t, rr).Success, path)
	}
	assert.Equal(t, "nosniff", f.do(t, http.MethodGet, "/healthz", "", "").Header().Get("X-Content-Type-Options"))
}

func TestReadyBeforeLoad(t *testing.T) {
	store := memory.New(nil)
	limiter := ratelimit.New(ratelimit.Config{Requests: 10, Window: time.Minute})
	l := ledger.New(store, limiter, ledger.Config{}, nil)
	svc := services.NewLedgerService(l, store, limiter, services.Config{}, nil)
	srv := NewServer(Config{}, svc, nil)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/transactions", strings.NewReader(`{"kind":"expense","amount":"5"}`))
	req.Header.Set(UserHeader, "alice")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "ledger is still loading: try again shortly", decode(t, rr).Message)
}

func TestRecordAndQuery(t *testing.T) {
	f := newAPI(t, 0)

	rr := f.do(t, http.MethodPost, "/transactions", "alice", `{"kind":"income","amount":1500.50,"description":"pay","category":"Salary"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var receipt services.Receipt
	require.NoError(t, json.Unmarshal(decode(t, rr).Data, &receipt))
	assert.Equal(t, int64(1), receipt.Transaction.ID)
	assert.Equal(t, "1500.5", receipt.Transaction.Amount.String())

	rr = f.do(t, http.MethodPost, "/transactions", "alice", "kind=expense&amount=12,50&category=Food")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/balance", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var bal struct {
		Value string `json:"value"`
		Stale bool   `json:"stale"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rr).Data, &bal))
	assert.Equal(t, "1488", bal.Value)
	assert.False(t, bal.Stale)

	rr = f.do(t, http.MethodGet, "/total?type=expense&period=month", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(decode(t, rr).Data, &bal))
	assert.Equal(t, "12.5", bal.Value)

	rr = f.do(t, http.MethodGet, "/balance?user=bob", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(decode(t, rr).Data, &bal))
	assert.Equal(t, "0", bal.Value, "queries are scoped to the caller")

	rr = f.do(t, http.MethodGet, "/history?limit=1", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var hist struct {
		Value []struct {
			ID int64 `json:"id"`
		} `json:"value"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rr).Data, &hist))
	require.Len(t, hist.Value, 1)
	assert.Equal(t, int64(2), hist.Value[0].ID)

	for _, path := range []string{"/summary?type=all", "/overview", "/chart/income-vs-expense", "/categories?q=fo"} {
		rr = f.do(t, http.MethodGet, path, "alice", "")
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}
}

func TestRecategorize(t *testing.T) {
	f := newAPI(t, 0)
	rr := f.do(t, http.MethodPost, "/transactions", "alice", `{"kind":"expense","amount":"5"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(t, http.MethodPut, "/transactions/1/category", "alice", `{"category":"Food"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	txn, ok := f.ledger.Get(1)
	require.True(t, ok)
	assert.Equal(t, "Food", txn.Category)

	rr = f.do(t, http.MethodPut, "/transactions/99/category", "alice", `{"category":"Food"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "entry not found", decode(t, rr).Message)

	rr = f.do(t, http.MethodPut, "/transactions/abc/category", "alice", `{"category":"Food"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPut, "/transactions/1/category", "alice", `{"category":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestValidationErrors(t *testing.T) {
	f := newAPI(t, 0)
	cases := []struct {
		method, path, user, body string
	}{
		{http.MethodPost, "/transactions", "", `{"kind":"expense","amount":"5"}`},
		{http.MethodPost, "/transactions", "alice", `{"kind":"expense","amount":"-5"}`},
		{http.MethodPost, "/transactions", "alice", `{"kind":"transfer","amount":"5"}`},
		{http.MethodPost, "/transactions", "alice", `{"kind":`},
		{http.MethodGet, "/balance?period=year", "alice", ""},
		{http.MethodGet, "/total?type=loans", "alice", ""},
		{http.MethodGet, "/history?limit=0", "alice", ""},
		{http.MethodGet, "/chart/pie", "alice", ""},
		{http.MethodGet, "/categories", "", ""},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s %s", tc.method, tc.path), func(t *testing.T) {
			rr := f.do(t, tc.method, tc.path, tc.user, tc.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			env := decode(t, rr)
			assert.False(t, env.Success)
			assert.Equal(t, "invalid_input", env.Code)
		})
	}
}

func TestHandleErrorStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{core.NewValidationError("amount", core.ErrInvalidAmount), http.StatusBadRequest, "invalid_input"},
		{fmt.Errorf("transaction 4: %w", core.ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("append: %w", core.ErrQuotaExhausted), http.StatusServiceUnavailable, "service_unavailable"},
		{fmt.Errorf("read: %w", core.ErrTransientStore), http.StatusServiceUnavailable, "service_unavailable"},
		{ledger.ErrNotLoaded, http.StatusServiceUnavailable, "service_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		handleError(rr, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		assert.Equal(t, tc.status, rr.Code, tc.err.Error())
		env := decode(t, rr)
		assert.Equal(t, tc.code, env.Code)
		assert.Equal(t, services.UserMessage(tc.err), env.Message)
	}
}

func TestWritesAcceptedDuringStoreOutage(t *testing.T) {
	f := newAPI(t, 0)
	f.store.FailNext(fmt.Errorf("dial: %w", context.DeadlineExceeded), 10)
	rr := f.do(t, http.MethodPost, "/transactions", "alice", `{"kind":"expense","amount":"5"}`)
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, 1, f.ledger.Queue().Len())
}

func TestWriteThrottle(t *testing.T) {
	f := newAPI(t, 1)
	rr := f.do(t, http.MethodPost, "/transactions", "alice", `{"kind":"expense","amount":"5"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(t, http.MethodPost, "/transactions", "alice", `{"kind":"expense","amount":"5"}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate_limited", decode(t, rr).Code)

	rr = f.do(t, http.MethodGet, "/balance", "alice", "")
	assert.Equal(t, http.StatusOK, rr.Code, "reads are not throttled")
}

package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerbot/internal/core"
)

func TestRequestBodyParser(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		isJSON bool
		want   map[string]string
	}{
		{
			name:   "json with numeric amount",
			body:   `{"kind":"expense","amount":0.1,"description":"  coffee "}`,
			isJSON: true,
			want:   map[string]string{"kind": "expense", "amount": "0.1", "description": "coffee", "category": ""},
		},
		{
			name: "form encoded",
			body: "kind=income&amount=12%2C50&category=Salary",
			want: map[string]string{"kind": "income", "amount": "12,50", "category": "Salary"},
		},
		{
			name: "control characters are stripped",
			body: "description=a%00b%07c",
			want: map[string]string{"description": "abc"},
		},
		{
			name: "empty body",
			body: "",
			want: map[string]string{"kind": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/transactions", strings.NewReader(tt.body))
			p := NewRequestBodyParser(req)
			require.NoError(t, p.Parse())
			assert.Equal(t, tt.isJSON, p.IsJSON())
			for k, v := range tt.want {
				assert.Equal(t, v, p.Get(k), k)
			}
		})
	}
}

func TestRequestBodyParserRejectsBadJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/transactions", strings.NewReader(`{"amount":`))
	p := NewRequestBodyParser(req)
	err := p.Parse()
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.ErrorIs(t, p.Parse(), core.ErrValidation, "the result is cached")
}

func TestParseQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/history?period=week&type=income&limit=3", nil)
	q, err := parseQuery(req, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", q.UserID)
	assert.Equal(t, "week", q.Period)
	assert.Equal(t, "income", q.Kind)
	assert.Equal(t, 3, q.Limit)

	_, err = parseQuery(httptest.NewRequest(http.MethodGet, "/history?limit=-2", nil), "alice")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestUserID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/balance?user=bob", nil)
	req.Header.Set(UserHeader, " alice ")
	id, err := userID(req)
	require.NoError(t, err)
	assert.Equal(t, "alice", id, "the header wins over the query parameter")

	_, err = userID(httptest.NewRequest(http.MethodGet, "/balance", nil))
	assert.ErrorIs(t, err, core.ErrValidation)
}

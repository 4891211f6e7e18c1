package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/qnet/internal/qnet"
)

func tinyNetwork(t *testing.T) *qnet.Network {
	t.Helper()
	cfg := qnet.DefaultConfig(4)
	cfg.WidthMultiplier = 0.25
	cfg.LastChannels = 32
	cfg.Table = []qnet.Stage{
		{ExpandRatio: 1, Channels: 16, Repeats: 1, Stride: 1},
		{ExpandRatio: 6, Channels: 24, Repeats: 2, Stride: 2},
	}
	n, err := qnet.New(context.Background(), cfg, qnet.WithSeed(3))
	require.NoError(t, err)
	return n
}

func newTestEcho(t *testing.T, opts ...ServerOption) *echo.Echo {
	t.Helper()
	e := echo.New()
	NewServer(tinyNetwork(t), opts...).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func classifyBody(n, c, h, w, topK int) string {
	data := make([]float32, n*c*h*w)
	for i := range data {
		data[i] = float32(i%17)/8 - 1
	}
	b, _ := json.Marshal(ClassifyRequest{Shape: []int{n, c, h, w}, Data: data, TopK: topK, Logits: true})
	return string(b)
}

func TestClassifyLifecycle(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)

	rec := doJSON(t, e, http.MethodPost, "/v1/classify", classifyBody(2, 3, 16, 16, 3))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, strings.HasPrefix(resp.ID, "cls_"))
	require.Equal(t, "classification", resp.Object)
	require.Len(t, resp.Results, 2)
	for i, r := range resp.Results {
		require.Equal(t, i, r.Index)
		require.Len(t, r.Top, 3)
		require.Len(t, r.Logits, 4)
		for j := 1; j < len(r.Top); j++ {
			require.GreaterOrEqual(t, r.Top[j-1].Probability, r.Top[j].Probability)
		}
	}

	got := doJSON(t, e, http.MethodGet, "/v1/classify/"+resp.ID, "")
	require.Equal(t, http.StatusOK, got.Code)
	var stored ClassifyResponse
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &stored))
	require.Equal(t, resp.ID, stored.ID)

	del := doJSON(t, e, http.MethodDelete, "/v1/classify/"+resp.ID, "")
	require.Equal(t, http.StatusOK, del.Code)
	missing := doJSON(t, e, http.MethodGet, "/v1/classify/"+resp.ID, "")
	require.Equal(t, http.StatusNotFound, missing.Code)
}

func TestClassifyIsDeterministic(t *testing.T) {
	t.Parallel()
	store := NewResultStore(4)
	e := newTestEcho(t, WithResultStore(store))
	body := classifyBody(1, 3, 16, 16, 4)

	var first, second ClassifyResponse
	require.NoError(t, json.Unmarshal(doJSON(t, e, http.MethodPost, "/v1/classify", body).Body.Bytes(), &first))
	require.NoError(t, json.Unmarshal(doJSON(t, e, http.MethodPost, "/v1/classify", body).Body.Bytes(), &second))
	require.Equal(t, first.Results, second.Results)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, 2, store.Len())
}

func TestClassifyThreeDimShape(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	data := make([]float32, 3*8*8)
	b, err := json.Marshal(ClassifyRequest{Shape: []int{3, 8, 8}, Data: data})
	require.NoError(t, err)

	rec := doJSON(t, e, http.MethodPost, "/v1/classify", string(b))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	require.Len(t, resp.Results[0].Top, 4, "top_k defaults to 5 and is capped at the class count")
	require.Empty(t, resp.Results[0].Logits)
}

func TestClassifyRejectsBadInput(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"malformed", `{"shape":`},
		{"unknown field", `{"shape":[1,3,2,2],"data":[],"pixels":1}`},
		{"two dims", `{"shape":[3,4],"data":[]}`},
		{"zero dim", `{"shape":[1,3,0,2],"data":[]}`},
		{"wrong channels", `{"shape":[1,1,2,2],"data":[1,2,3,4]}`},
		{"short data", `{"shape":[1,3,2,2],"data":[1,2,3]}`},
		{"overflowing shape", `{"shape":[1,3,4294967296,4294967296],"data":[]}`},
		{"oversized side", `{"shape":[1,3,4097,1],"data":[]}`},
		{"batch too large", fmt.Sprintf(`{"shape":[%d,3,1,1],"data":[%s0]}`, maxBatchSize+1, strings.Repeat("0,", 3*(maxBatchSize+1)-1))},
	}
	for _, tt := range tests {
		rec := doJSON(t, e, http.MethodPost, "/v1/classify", tt.body)
		require.Equal(t, http.StatusBadRequest, rec.Code, "%s: %s", tt.name, rec.Body.String())
		require.Contains(t, rec.Body.String(), "invalid_request_error", tt.name)
	}
}

func TestClassifyRateLimited(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, WithRateLimit(0.001, 1))
	body := classifyBody(1, 3, 8, 8, 1)

	require.Equal(t, http.StatusOK, doJSON(t, e, http.MethodPost, "/v1/classify", body).Code)
	rec := doJSON(t, e, http.MethodPost, "/v1/classify", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), "rate_limited")
}

func TestModelAndHealth(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)

	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok"`)

	rec = doJSON(t, e, http.MethodGet, "/v1/model", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var m ModelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	require.Equal(t, 4, m.Config.NumClasses)
	require.Positive(t, m.Parameters)
	require.Equal(t, "features.0", m.Layers[0].Name)
	require.Equal(t, "classifier", m.Layers[len(m.Layers)-1].Name)
}

func TestNoModel(t *testing.T) {
	t.Parallel()
	e := echo.New()
	NewServer(nil).Register(e)
	require.Equal(t, http.StatusServiceUnavailable, doJSON(t, e, http.MethodPost, "/v1/classify", "{}").Code)
	require.Equal(t, http.StatusServiceUnavailable, doJSON(t, e, http.MethodGet, "/v1/model", "").Code)
	require.Contains(t, doJSON(t, e, http.MethodGet, "/healthz", "").Body.String(), "no_model")
}

func TestResultStoreEvicts(t *testing.T) {
	t.Parallel()
	s := NewResultStore(2)
	for _, id := range []string{"a", "b", "c"} {
		s.Save(ClassifyResponse{ID: id})
	}
	require.Equal(t, 2, s.Len())
	_, ok := s.Get("a")
	require.False(t, ok)
	_, ok = s.Get("c")
	require.True(t, ok)
	require.True(t, s.Delete("b"))
	require.False(t, s.Delete("b"))
	require.Equal(t, 1, s.Len())
}

func TestClassifyErrorNamesParam(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	rec := doJSON(t, e, http.MethodPost, "/v1/classify", `{"shape":[1,3,2,2],"data":[1,2,3]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), `"param":"data"`)
}

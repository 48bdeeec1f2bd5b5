package main

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/pipeline"
)

func testRouter(t *testing.T) (http.Handler, *pipelineEnv) {
	t.Helper()
	env := testEnv(t)
	return buildRouter(env, fixtureConfig(t).Server), env
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouter_Health(t *testing.T) {
	h, _ := testRouter(t)

	rr := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_Metrics(t *testing.T) {
	h, _ := testRouter(t)
	rr := do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRouter_Sources(t *testing.T) {
	h, _ := testRouter(t)

	rr := do(t, h, http.MethodGet, "/v1/sources", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Sources []sourceStatus `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Sources, 6)
	assert.Equal(t, "property", body.Sources[0].ID)
	assert.Equal(t, "critical", string(body.Sources[0].Criticality))
	assert.Empty(t, body.Sources[0].Breaker)
}

func TestRouter_Recommendations(t *testing.T) {
	h, _ := testRouter(t)

	rr := do(t, h, http.MethodPost, "/v1/recommendations", pipeline.Request{Persona: "student", BudgetMax: 1200})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp pipeline.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, model.PersonaStudent, resp.Persona)
	assert.Len(t, resp.Recommendations, 5)
	assert.NotEmpty(t, resp.RunID)
	assert.False(t, resp.Cached)

	// Same request again is served from the result cache.
	rr = do(t, h, http.MethodPost, "/v1/recommendations", pipeline.Request{Persona: "student", BudgetMax: 1200})
	require.Equal(t, http.StatusOK, rr.Code)
	var again pipeline.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &again))
	assert.True(t, again.Cached)
	assert.NotEqual(t, resp.RunID, again.RunID)
}

func TestRouter_Recommendations_Validation(t *testing.T) {
	h, _ := testRouter(t)

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"unknown persona", pipeline.Request{Persona: "retiree", BudgetMax: 1000}, "persona"},
		{"zero budget", pipeline.Request{Persona: "student"}, "budget_max"},
		{"min above max", pipeline.Request{Persona: "parent", BudgetMax: 900, BudgetMin: 1000}, "budget_min"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/v1/recommendations", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)

			var body errorBody
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tt.field, body.Field)
		})
	}
}

func TestRouter_Recommendations_BadBody(t *testing.T) {
	h, _ := testRouter(t)

	rr := do(t, h, http.MethodPost, "/v1/recommendations", `{"persona":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")
}

func TestRouter_Rescore(t *testing.T) {
	h, _ := testRouter(t)

	rr := do(t, h, http.MethodPost, "/v1/recommendations", pipeline.Request{Persona: "student", BudgetMax: 1200})
	require.Equal(t, http.StatusOK, rr.Code)
	var first pipeline.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &first))
	require.NotEmpty(t, first.Records)

	rr = do(t, h, http.MethodPost, "/v1/rescore", rescoreRequest{
		Request: pipeline.Request{Persona: "developer", BudgetMax: 1200},
		Records: first.Records,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp pipeline.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, model.PersonaDeveloper, resp.Persona)
	assert.Len(t, resp.Records, len(first.Records))

	rr = do(t, h, http.MethodPost, "/v1/rescore", rescoreRequest{Request: pipeline.Request{Persona: "student", BudgetMax: 1200}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "records is required")
}

func TestRouter_CacheStats(t *testing.T) {
	h, _ := testRouter(t)
	do(t, h, http.MethodPost, "/v1/recommendations", pipeline.Request{Persona: "student", BudgetMax: 1200})

	rr := do(t, h, http.MethodGet, "/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st struct {
		Backend string         `json:"backend"`
		Total   int            `json:"total"`
		ByKind  map[string]int `json:"by_kind"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, "memory", st.Backend)
	assert.Positive(t, st.Total)
	assert.Equal(t, 1, st.ByKind["recommendation"])
}

func TestRouter_CORSPreflight(t *testing.T) {
	h, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/recommendations", nil)
	req.Header.Set("Origin", "https://example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestWriteError_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"validation", &model.ValidationError{Field: "persona", Reason: "is required"}, http.StatusBadRequest},
		{"config", &model.ConfigError{Reason: "weights for parent sum to zero"}, http.StatusInternalServerError},
		{"upstream", errors.New("pipeline: enrich: context deadline exceeded"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeError(rr, httptest.NewRequest(http.MethodPost, "/v1/recommendations", nil), tt.err)
			assert.Equal(t, tt.code, rr.Code)
			assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json"))
		})
	}
}

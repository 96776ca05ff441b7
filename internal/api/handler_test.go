package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/heartql/heartql/internal/api/uistatic"
	"github.com/heartql/heartql/internal/auth"
	"github.com/heartql/heartql/internal/config"
	"github.com/heartql/heartql/internal/observability"
	"github.com/heartql/heartql/internal/pipeline"
	"github.com/heartql/heartql/internal/schema"
)

type fakeAsker struct {
	answer      pipeline.Answer
	translation pipeline.Translation
	err         error
	questions   []string
}

func (f *fakeAsker) Answer(_ context.Context, question string) (pipeline.Answer, error) {
	f.questions = append(f.questions, question)
	if f.err != nil {
		return pipeline.Answer{}, f.err
	}
	return f.answer, nil
}

func (f *fakeAsker) Translate(_ context.Context, question string) (pipeline.Translation, error) {
	f.questions = append(f.questions, question)
	if f.err != nil {
		return pipeline.Translation{}, f.err
	}
	return f.translation, nil
}

func testConfig(t *testing.T, overrides map[string]string) config.Config {
	t.Helper()
	values := map[string]string{"HEARTQL_PROFILE": "test"}
	for key, value := range overrides {
		values[key] = value
	}
	cfg, err := config.Load("heartql-api", mapLookup(values))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func testSchema() *schema.Context {
	return schema.New("heart_disease_info", "Heart disease records.", []schema.Column{
		{Name: "age", Group: "Personal Info", Description: "Age in years."},
		{Name: "chol", Group: "Vitals", Description: "Serum cholesterol."},
		{Name: "target", Group: "Target", Description: "Diagnosis."},
	}, [][]any{{int64(63), int64(233), int64(1)}})
}

func averageAgeAsker() *fakeAsker {
	return &fakeAsker{
		answer: pipeline.Answer{
			SQL:      "SELECT AVG(age) FROM heart_disease_info",
			Columns:  []string{"AVG(age)"},
			Rows:     [][]any{{54.37}},
			Duration: 1500 * time.Millisecond,
		},
		translation: pipeline.Translation{SQL: "SELECT AVG(age) FROM heart_disease_info", Duration: 900 * time.Millisecond},
	}
}

func postJSON(t *testing.T, h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["service"] != "heartql-api" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestReadyEndpoint(t *testing.T) {
	cfg := testConfig(t, nil)
	tests := []struct {
		name string
		deps Dependencies
		want int
	}{
		{name: "model not configured", deps: Dependencies{}, want: http.StatusServiceUnavailable},
		{
			name: "dependency down",
			deps: Dependencies{Pipeline: &fakeAsker{}, Readiness: func(context.Context) error { return errors.New("database down") }},
			want: http.StatusServiceUnavailable,
		},
		{
			name: "ready",
			deps: Dependencies{Pipeline: &fakeAsker{}, Readiness: CombineReadinessChecks(nil, func(context.Context) error { return nil })},
			want: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			NewHandler(cfg, tt.deps).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestAskReturnsTable(t *testing.T) {
	asker := averageAgeAsker()
	h := NewHandler(testConfig(t, nil), Dependencies{Pipeline: asker})

	rr := postJSON(t, h, "/v1/ask", `{"question":"What is the average age?"}`, map[string]string{observability.TraceHeader: "trace-abc"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	var response askResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if response.SQL != "SELECT AVG(age) FROM heart_disease_info" || response.RowCount != 1 || response.DurationMs != 1500 {
		t.Fatalf("unexpected response: %+v", response)
	}
	if response.TraceID != "trace-abc" || rr.Header().Get(observability.TraceHeader) != "trace-abc" {
		t.Fatalf("trace id = %q / %q", response.TraceID, rr.Header().Get(observability.TraceHeader))
	}
	if len(asker.questions) != 1 || asker.questions[0] != "What is the average age?" {
		t.Fatalf("questions = %v", asker.questions)
	}
}

func TestAskEmptyResultEncodesEmptyRows(t *testing.T) {
	asker := &fakeAsker{answer: pipeline.Answer{SQL: "SELECT age FROM heart_disease_info WHERE 1 = 0", Columns: []string{"age"}}}
	h := NewHandler(testConfig(t, nil), Dependencies{Pipeline: asker})

	rr := postJSON(t, h, "/v1/ask", `{"question":"nobody"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"rows":[]`) || !strings.Contains(rr.Body.String(), `"row_count":0`) {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestAskMapsPipelineErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{name: "validation", err: &pipeline.Error{Kind: pipeline.KindValidation, Message: "generated SQL rejected", SQL: "DELETE FROM heart_disease_info"}, status: http.StatusBadRequest, kind: "ValidationFailure"},
		{name: "extraction", err: &pipeline.Error{Kind: pipeline.KindExtraction, Message: "no SQL"}, status: http.StatusUnprocessableEntity, kind: "ExtractionFailure"},
		{name: "execution", err: &pipeline.Error{Kind: pipeline.KindExecution, Message: "no such column: smoker"}, status: http.StatusUnprocessableEntity, kind: "ExecutionFailure"},
		{name: "model", err: &pipeline.Error{Kind: pipeline.KindModel, Message: "upstream 503", Retryable: true}, status: http.StatusBadGateway, kind: "ModelFailure"},
		{name: "model timeout", err: &pipeline.Error{Kind: pipeline.KindModel, Message: "timeout", Retryable: true, Timeout: true}, status: http.StatusGatewayTimeout, kind: "ModelFailure"},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, kind: "InternalError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(testConfig(t, nil), Dependencies{Pipeline: &fakeAsker{err: tt.err}})
			rr := postJSON(t, h, "/v1/ask", `{"question":"q"}`, nil)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			body := decodeBody(t, rr)
			if body["error_kind"] != tt.kind {
				t.Fatalf("error_kind = %v, want %s", body["error_kind"], tt.kind)
			}
			if body["trace_id"] == "" {
				t.Fatal("expected trace id")
			}
			var failure *pipeline.Error
			if errors.As(tt.err, &failure) && body["message"] != failure.Message {
				t.Fatalf("message = %v", body["message"])
			}
		})
	}
}

func TestAskRejectsBadRequests(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{Pipeline: averageAgeAsker()})
	for _, body := range []string{`not json`, `{"question":"q","extra":1}`} {
		rr := postJSON(t, h, "/v1/ask", body, nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q status = %d", body, rr.Code)
		}
	}
}

func TestQuestionRoutesReturn501WithoutModel(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{Schema: testSchema()})
	for _, path := range []string{"/v1/ask", "/v1/translate", "/v1/ask/export"} {
		rr := postJSON(t, h, path, `{"question":"q"}`, nil)
		if rr.Code != http.StatusNotImplemented {
			t.Fatalf("%s status = %d", path, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("schema status = %d", rr.Code)
	}
}

func TestTranslate(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{Pipeline: averageAgeAsker()})
	rr := postJSON(t, h, "/v1/translate", `{"question":"average age"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["sql"] != "SELECT AVG(age) FROM heart_disease_info" || body["duration_ms"] != float64(900) {
		t.Fatalf("unexpected body: %v", body)
	}
	if _, ok := body["rows"]; ok {
		t.Fatal("translate must not return rows")
	}
}

func TestAskExport(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{Pipeline: averageAgeAsker()})

	rr := postJSON(t, h, "/v1/ask/export", `{"question":"average age","format":"csv"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "text/csv; charset=utf-8" {
		t.Fatalf("content type = %q", got)
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Disposition"), `attachment; filename="heartql-`) {
		t.Fatalf("content disposition = %q", rr.Header().Get("Content-Disposition"))
	}
	if rr.Body.String() != "AVG(age)\n54.37\n" {
		t.Fatalf("body = %q", rr.Body.String())
	}

	rr = postJSON(t, h, "/v1/ask/export", `{"question":"average age","format":"parquet"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("parquet status = %d body = %s", rr.Code, rr.Body.String())
	}
	if !bytes.HasPrefix(rr.Body.Bytes(), []byte("PAR1")) {
		t.Fatal("expected parquet magic bytes")
	}

	rr = postJSON(t, h, "/v1/ask/export", `{"question":"average age","format":"xlsx"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad format status = %d", rr.Code)
	}
}

func TestSchemaAndDictionary(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{Schema: testSchema()})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("schema status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["table"] != "heart_disease_info" {
		t.Fatalf("schema body = %v", body)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/dictionary", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("dictionary status = %d", rr.Code)
	}
	var dictionary dictionaryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &dictionary); err != nil {
		t.Fatalf("decode dictionary: %v", err)
	}
	var groups []string
	for _, group := range dictionary.Groups {
		groups = append(groups, group.Name)
	}
	if strings.Join(groups, ",") != "Personal Info,Vitals,Target" {
		t.Fatalf("groups = %v", groups)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	cfg := testConfig(t, map[string]string{"HEARTQL_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:clinic:ask|read,k2:dashboard:read")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Pipeline:       averageAgeAsker(),
		Schema:         testSchema(),
	})

	if rr := postJSON(t, h, "/v1/ask", `{"question":"q"}`, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", rr.Code)
	}
	if rr := postJSON(t, h, "/v1/ask", `{"question":"q"}`, map[string]string{"X-API-Key": "k1"}); rr.Code != http.StatusOK {
		t.Fatalf("auth status = %d", rr.Code)
	}
	if rr := postJSON(t, h, "/v1/ask", `{"question":"q"}`, map[string]string{"X-API-Key": "k2"}); rr.Code != http.StatusForbidden {
		t.Fatalf("read-only key status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/dictionary", nil)
	req.Header.Set("Authorization", "Bearer k2")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("dictionary status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health must stay public, status = %d", rr.Code)
	}
}

func TestAuthRequiredWithoutMiddlewareFailsClosed(t *testing.T) {
	cfg := testConfig(t, map[string]string{"HEARTQL_AUTH_REQUIRED": "true"})
	h := NewHandler(cfg, Dependencies{Pipeline: averageAgeAsker()})
	if rr := postJSON(t, h, "/v1/ask", `{"question":"q"}`, nil); rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestAskIsRateLimitedPerClient(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"HEARTQL_RATE_LIMIT_ENABLED":    "true",
		"HEARTQL_RATE_LIMIT_PER_MINUTE": "1",
		"HEARTQL_RATE_LIMIT_BURST":      "1",
	})
	h := NewHandler(cfg, Dependencies{Pipeline: averageAgeAsker(), Schema: testSchema()})

	if rr := postJSON(t, h, "/v1/ask", `{"question":"q"}`, nil); rr.Code != http.StatusOK {
		t.Fatalf("first status = %d", rr.Code)
	}
	rr := postJSON(t, h, "/v1/ask", `{"question":"q"}`, nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}
	if body := decodeBody(t, rr); body["error_kind"] != "RateLimited" || body["retryable"] != true {
		t.Fatalf("body = %v", body)
	}

	other := httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(`{"question":"q"}`))
	other.RemoteAddr = "203.0.113.9:4000"
	otherResp := httptest.NewRecorder()
	h.ServeHTTP(otherResp, other)
	if otherResp.Code != http.StatusOK {
		t.Fatalf("other client status = %d", otherResp.Code)
	}

	schemaResp := httptest.NewRecorder()
	h.ServeHTTP(schemaResp, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	if schemaResp.Code != http.StatusOK {
		t.Fatalf("schema must not be rate limited, status = %d", schemaResp.Code)
	}
}

func TestClientLimiterSweepsIdleClients(t *testing.T) {
	limiter := newClientLimiter(60, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	if !limiter.allow("a") || limiter.allow("a") {
		t.Fatal("expected burst of one")
	}
	now = now.Add(limiterIdleTTL + 2*time.Minute)
	if !limiter.allow("b") {
		t.Fatal("expected new client to be allowed")
	}
	if _, ok := limiter.clients["a"]; ok {
		t.Fatal("expected idle client to be swept")
	}
}

func TestCORSPreflight(t *testing.T) {
	h := NewHandler(testConfig(t, map[string]string{"HEARTQL_HTTP_CORS_ORIGINS": "https://clinic.example"}), Dependencies{Pipeline: averageAgeAsker()})

	req := httptest.NewRequest(http.MethodOptions, "/v1/ask", nil)
	req.Header.Set("Origin", "https://clinic.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://clinic.example" {
		t.Fatalf("Access-Control-Allow-Origin = %q (status %d)", got, rr.Code)
	}
}

func TestMetricsAndUI(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{UI: uistatic.Handler()})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "heartql_http_requests_total") {
		t.Fatal("expected http request metrics")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "<title>HeartQL</title>") {
		t.Fatalf("ui status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "/v1/ask") {
		t.Fatalf("app.js status = %d", rr.Code)
	}
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/tables", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error_kind"] != "NotFound" {
		t.Fatalf("body = %v", body)
	}
}

func TestPingCheck(t *testing.T) {
	if err := PingCheck(nil)(context.Background()); err == nil {
		t.Fatal("expected error without pinger")
	}
	if err := PingCheck(pingerFunc(func(context.Context) error { return nil }))(context.Background()); err != nil {
		t.Fatalf("PingCheck() error = %v", err)
	}
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/coupon-service/internal/domain/bulk"
	"github.com/xenking/coupon-service/internal/domain/coupon"
	"github.com/xenking/coupon-service/internal/domain/coupon/coupontest"
	"github.com/xenking/coupon-service/internal/domain/redemption"
)

const testKey = "secret"

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type memoryTasks struct {
	mu    sync.Mutex
	seq   int
	tasks map[string]*bulk.Task
}

func (m *memoryTasks) Create(_ context.Context, t *bulk.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t.ID = fmt.Sprintf("task-%d", m.seq)
	stored := *t
	m.tasks[t.ID] = &stored
	return nil
}

func (m *memoryTasks) SetStatus(_ context.Context, id string, status bulk.Status, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return coupon.ErrTaskNotFound
	}
	t.Status, t.Result = status, result
	return nil
}

func (m *memoryTasks) Get(_ context.Context, id string) (*bulk.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, coupon.ErrTaskNotFound
	}
	out := *t
	return &out, nil
}

type testServer struct {
	mem    *coupontest.Memory
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	settings := coupon.Settings{
		ServiceName: "coupon-test",
		Location:    time.FixedZone("BRT", -3*60*60),
		Now:         func() time.Time { return fixedNow },
	}
	mem := coupontest.New()
	manager := coupon.NewManager(mem, mem, settings)
	engine, err := redemption.NewEngine(mem, mem, mem, settings)
	require.NoError(t, err)
	tasks := &memoryTasks{tasks: map[string]*bulk.Task{}}
	svc := bulk.NewService(manager, tasks, settings)

	h := NewHandler(Config{APIKey: testKey}, manager, engine, svc)
	return &testServer{mem: mem, router: h.Router()}
}

func (s *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("access_token", testKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// fields decodes a flat JSON object into raw field values.
func fields(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := jx.DecodeBytes(rec.Body.Bytes()).ObjBytes(func(d *jx.Decoder, key []byte) error {
		raw, err := d.Raw()
		if err != nil {
			return err
		}
		out[string(key)] = strings.Trim(raw.String(), `"`)
		return nil
	})
	require.NoError(t, err, rec.Body.String())
	return out
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	assert.Equal(t, code, fields(t, rec)["error_code"])
}

const couponBody = `{
	"description": "Winter sale",
	"code": "save10",
	"type": "percent",
	"value": 10,
	"max_amount": "50",
	"valid_from": "2025-06-15T10:00:00Z",
	"valid_until": "2025-07-01T00:00:00Z",
	"user_create": "ops"
}`

func (s *testServer) createCoupon(t *testing.T, body string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/coupons/", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return fields(t, rec)["coupon_id"]
}

func TestRouter_Unauthorized(t *testing.T) {
	s := newTestServer(t)

	for _, key := range []string{"", "wrong"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/coupons/", nil)
		if key != "" {
			req.Header.Set("access_token", key)
		}
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		requireError(t, rec, http.StatusUnauthorized, "unauthorized")
	}
}

func TestRouter_NotFound(t *testing.T) {
	s := newTestServer(t)
	requireError(t, s.do(t, http.MethodGet, "/v3/coupons", ""), http.StatusNotFound, "not_found")
}

func TestCreateCoupon(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/coupons/", couponBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := fields(t, rec)
	assert.Equal(t, "SAVE10", got["code"])
	assert.Equal(t, "percent", got["type"])
	assert.Equal(t, "10.00", got["value"])
	assert.Equal(t, "50.00", got["max_amount"])
	assert.Equal(t, "2025-06-15T07:00:00-03:00", got["valid_from"])
	assert.Equal(t, "ops", got["user_create"])
	assert.Equal(t, "true", got["active"])
	assert.Equal(t, "null", got["customer_key"])
	assert.Equal(t, "0", got["total_usage"])

	id := got["coupon_id"]
	require.NotEmpty(t, id)
	rec = s.do(t, http.MethodGet, "/v1/coupons/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Winter sale", fields(t, rec)["description"])

	requireError(t, s.do(t, http.MethodPost, "/v1/coupons/", couponBody), http.StatusConflict, "duplicated_coupon")
}

func TestCreateCoupon_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{
			name:   "MissingCode",
			body:   `{"type":"percent","value":10,"valid_from":"2025-06-15","valid_until":"2025-07-01"}`,
			status: http.StatusUnprocessableEntity,
			code:   "invalid_request",
		},
		{
			name:   "MalformedValue",
			body:   `{"code":"A1","type":"percent","value":"ten","valid_from":"2025-06-15","valid_until":"2025-07-01"}`,
			status: http.StatusUnprocessableEntity,
			code:   "invalid_request",
		},
		{
			name:   "NotAnObject",
			body:   `[1,2]`,
			status: http.StatusUnprocessableEntity,
			code:   "invalid_request",
		},
		{
			name:   "PercentOverHundred",
			body:   `{"code":"A1","type":"percent","value":150,"valid_from":"2025-06-15","valid_until":"2025-07-01"}`,
			status: http.StatusUnprocessableEntity,
			code:   "invalid_coupon",
		},
		{
			name:   "StartsYesterday",
			body:   `{"code":"A1","type":"percent","value":5,"valid_from":"2025-06-14","valid_until":"2025-07-01"}`,
			status: http.StatusUnprocessableEntity,
			code:   "invalid_coupon",
		},
		{
			name:   "NominalWithMaxAmount",
			body:   `{"code":"A1","type":"nominal","value":5,"max_amount":1,"valid_from":"2025-06-15","valid_until":"2025-07-01"}`,
			status: http.StatusUnprocessableEntity,
			code:   "invalid_coupon",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			requireError(t, s.do(t, http.MethodPost, "/v1/coupons/", tt.body), tt.status, tt.code)
		})
	}
}

func TestCouponLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := s.createCoupon(t, couponBody)

	requireError(t, s.do(t, http.MethodPost, "/v1/coupons/"+id+"/activate", ""), http.StatusConflict, "coupon_already_active")
	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, "/v1/coupons/"+id+"/deactivate", "").Code)
	requireError(t, s.do(t, http.MethodPost, "/v1/coupons/"+id+"/deactivate", ""), http.StatusConflict, "coupon_already_deactive")
	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, "/v1/coupons/"+id+"/activate", "").Code)

	update := strings.Replace(couponBody, `"value": 10`, `"value": 15`, 1)
	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodPut, "/v1/coupons/"+id, update).Code)
	assert.Equal(t, "15.00", fields(t, s.do(t, http.MethodGet, "/v1/coupons/"+id, ""))["value"])

	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/v1/coupons/"+id+"?user_delete=ops", "").Code)
	assert.Equal(t, "false", fields(t, s.do(t, http.MethodGet, "/v1/coupons/"+id, ""))["active"])
	requireError(t, s.do(t, http.MethodPost, "/v1/coupons/"+id+"/activate", ""), http.StatusNotFound, "coupon_not_exists")
	requireError(t, s.do(t, http.MethodDelete, "/v1/coupons/"+id, ""), http.StatusNotFound, "coupon_not_exists")

	requireError(t, s.do(t, http.MethodGet, "/v1/coupons/missing", ""), http.StatusNotFound, "coupon_not_exists")
}

func TestListCoupons(t *testing.T) {
	s := newTestServer(t)
	s.createCoupon(t, couponBody)
	s.createCoupon(t, strings.Replace(couponBody, "save10", "save20", 1))

	rec := s.do(t, http.MethodGet, "/v1/coupons/?size=1&page=2", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := fields(t, rec)
	assert.Equal(t, "2", got["total"])
	assert.Equal(t, "2", got["page"])
	assert.Equal(t, "1", got["size"])

	rec = s.do(t, http.MethodGet, "/v1/coupons/?code=save20", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", fields(t, rec)["total"])
	assert.Contains(t, rec.Body.String(), `"SAVE20"`)

	requireError(t, s.do(t, http.MethodGet, "/v1/coupons/?size=101", ""), http.StatusUnprocessableEntity, "invalid_request")
	requireError(t, s.do(t, http.MethodGet, "/v1/coupons/?page=0", ""), http.StatusUnprocessableEntity, "invalid_request")
	requireError(t, s.do(t, http.MethodGet, "/v1/coupons/?active=maybe", ""), http.StatusUnprocessableEntity, "invalid_request")
}

func TestRedemption_V1(t *testing.T) {
	s := newTestServer(t)
	id := s.createCoupon(t, couponBody)

	reserve := `{"transaction_id":"tx-1","customer_key":"alice","purchase_amount":"100","first_purchase":false}`
	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodPut, "/v1/coupons/save10/reserved", reserve).Code)
	requireError(t, s.do(t, http.MethodPut, "/v1/coupons/save10/reserved", reserve), http.StatusPreconditionFailed, "transaction_id_error")

	got := fields(t, s.do(t, http.MethodGet, "/v1/coupons/"+id, ""))
	assert.Equal(t, "1", got["reserved_usage"])

	tx := `{"transaction_id":"tx-1"}`
	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodPut, "/v1/coupons/SAVE10/confirmed", tx).Code)
	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodPut, "/v1/coupons/SAVE10/confirmed", tx).Code)
	requireError(t, s.do(t, http.MethodPut, "/v1/coupons/SAVE10/unreserved", tx), http.StatusPreconditionFailed, "coupon_already_confirmed")

	got = fields(t, s.do(t, http.MethodGet, "/v1/coupons/"+id, ""))
	assert.Equal(t, "1", got["confirmed_usage"])
	assert.Equal(t, "0", got["reserved_usage"])

	requireError(t, s.do(t, http.MethodDelete, "/v1/coupons/"+id, ""), http.StatusConflict, "error_on_delete")
	requireError(t, s.do(t, http.MethodPut, "/v1/coupons/OTHER/reserved", reserve), http.StatusNotFound, "coupon_not_exists")
}

func TestRedemption_V2(t *testing.T) {
	s := newTestServer(t)
	s.createCoupon(t, couponBody)

	reserve := `{"code":"save10","transaction_id":"tx-1","customer_key":"alice","purchase_amount":100,"first_purchase":false}`
	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodPut, "/v2/coupons/reserved", reserve).Code)
	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodPut, "/v2/coupons/unreserved", `{"code":"save10","transaction_id":"tx-1"}`).Code)
	requireError(t, s.do(t, http.MethodPut, "/v2/coupons/confirmed", `{"code":"save10","transaction_id":"tx-1"}`), http.StatusNotFound, "coupon_not_exists")

	tests := []struct {
		name string
		body string
	}{
		{name: "MissingCode", body: `{"transaction_id":"tx-2","customer_key":"alice","purchase_amount":100,"first_purchase":false}`},
		{name: "SymbolsInCode", body: `{"code":"save-10","transaction_id":"tx-2","customer_key":"alice","purchase_amount":100,"first_purchase":false}`},
		{name: "NegativeAmount", body: `{"code":"save10","transaction_id":"tx-2","customer_key":"alice","purchase_amount":-1,"first_purchase":false}`},
		{name: "MissingFirstPurchase", body: `{"code":"save10","transaction_id":"tx-2","customer_key":"alice","purchase_amount":100}`},
		{name: "SubCentAmount", body: `{"code":"save10","transaction_id":"tx-2","customer_key":"alice","purchase_amount":10.005,"first_purchase":false}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireError(t, s.do(t, http.MethodPut, "/v2/coupons/reserved", tt.body), http.StatusUnprocessableEntity, "invalid_request")
		})
	}
}

func TestRedemption_InternalError(t *testing.T) {
	s := newTestServer(t)
	s.createCoupon(t, couponBody)
	s.mem.FailRecord = errors.New("disk full")

	reserve := `{"code":"save10","transaction_id":"tx-1","customer_key":"alice","purchase_amount":100,"first_purchase":false}`
	rec := s.do(t, http.MethodPut, "/v2/coupons/reserved", reserve)
	requireError(t, rec, http.StatusInternalServerError, "internal_error")
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestValidateCoupon(t *testing.T) {
	s := newTestServer(t)
	s.createCoupon(t, couponBody)

	rec := s.do(t, http.MethodGet, "/v1/coupons/validate?code=save10&customer_key=alice&purchase_amount=100&first_purchase=false", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := fields(t, rec)
	assert.Equal(t, "SAVE10", got["code"])
	assert.Equal(t, "10.00", got["discount"])
	assert.Equal(t, "90.00", got["purchase_amount_with_discount"])

	requireError(t, s.do(t, http.MethodGet, "/v1/coupons/validate?code=nope&customer_key=alice&purchase_amount=100&first_purchase=false", ""),
		http.StatusNotFound, "coupon_not_available")
	requireError(t, s.do(t, http.MethodGet, "/v1/coupons/validate?code=save10", ""),
		http.StatusUnprocessableEntity, "invalid_request")
	requireError(t, s.do(t, http.MethodGet, "/v1/coupons/validate?code=save10&customer_key=alice&purchase_amount=10.005&first_purchase=false", ""),
		http.StatusUnprocessableEntity, "invalid_request")

	rec = s.do(t, http.MethodGet, "/v1/coupons/validate?code=save10&customer_key=alice&purchase_amount=10.500&first_purchase=false", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1.05", fields(t, rec)["discount"])
}

const bulkTemplate = `"type":"nominal","value":5,"valid_from":"2025-06-16","valid_until":"2025-07-01","code":"WELCOME"`

func TestBulkCreate_JSON(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/coupons/bulk/by-client", `{`+bulkTemplate+`,"customer_keys":["alice","bob"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	taskID := fields(t, rec)["task_id"]
	require.NotEmpty(t, taskID)

	rec = s.do(t, http.MethodGet, "/v1/tasks/"+taskID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := fields(t, rec)
	assert.Equal(t, taskID, got["id"])
	assert.Equal(t, string(bulk.StatusCreated), got["status"])

	requireError(t, s.do(t, http.MethodPost, "/v1/coupons/bulk/by-client", `{`+bulkTemplate+`}`),
		http.StatusUnprocessableEntity, "invalid_coupon")
	requireError(t, s.do(t, http.MethodGet, "/v1/tasks/missing", ""), http.StatusNotFound, "task_not_exists")
}

func TestBulkCreate_Multipart(t *testing.T) {
	newRequest := func(t *testing.T, filename string) *http.Request {
		t.Helper()
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		for k, v := range map[string]string{
			"code":        "WELCOME",
			"type":        "nominal",
			"value":       "5",
			"valid_from":  "2025-06-16",
			"valid_until": "2025-07-01",
		} {
			require.NoError(t, mw.WriteField(k, v))
		}
		fw, err := mw.CreateFormFile(fileField, filename)
		require.NoError(t, err)
		_, err = io.WriteString(fw, "customer_key\nalice\nbob\n")
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/v1/coupons/bulk/by-client", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("access_token", testKey)
		return req
	}

	t.Run("CSV", func(t *testing.T) {
		s := newTestServer(t)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, newRequest(t, "keys.csv"))
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		assert.NotEmpty(t, fields(t, rec)["task_id"])
	})
	t.Run("NotCSV", func(t *testing.T) {
		s := newTestServer(t)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, newRequest(t, "keys.xlsx"))
		requireError(t, rec, http.StatusUnprocessableEntity, "invalid_request")
	})
}

func TestDecodeValues(t *testing.T) {
	v, err := decodeValues([]byte(`{"a":"x","b":1.5,"c":true,"d":null,"e":["k1","k2"]}`))
	require.NoError(t, err)
	assert.Equal(t, "x", v.Get("a"))
	assert.Equal(t, "1.5", v.Get("b"))
	assert.Equal(t, "true", v.Get("c"))
	assert.False(t, v.Has("d"))
	assert.Equal(t, []string{"k1", "k2"}, v["e"])

	v, err = decodeValues(nil)
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = decodeValues([]byte(`{"a":{"nested":1}}`))
	require.Error(t, err)
}

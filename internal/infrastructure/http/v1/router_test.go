package v1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markhub/internal/core/apperror"
	"markhub/internal/core/id"
	"markhub/internal/domain/markingcode"
	"markhub/internal/domain/saga"
	v1 "markhub/internal/infrastructure/http/v1"
	"markhub/internal/infrastructure/http/v1/dto"
	"markhub/internal/infrastructure/http/v1/handlers"
	"markhub/internal/infrastructure/http/v1/middleware"
	"markhub/internal/infrastructure/metrics"
	"markhub/internal/infrastructure/storage/memory"
	"markhub/pkg/logger"
)

type fakeReissuer struct {
	calls []id.ID
	res   saga.PassResult
	err   error
}

func (f *fakeReissuer) Reissue(_ context.Context, orderID id.ID) (saga.PassResult, error) {
	f.calls = append(f.calls, orderID)
	return f.res, f.err
}

type env struct {
	t        *testing.T
	router   *gin.Engine
	codes    *markingcode.Service
	reissuer *fakeReissuer
	registry *prometheus.Registry
	owner    id.ID
	profile  id.ID
	product  id.ID
}

func newEnv(t *testing.T, checks map[string]handlers.Pinger) *env {
	t.Helper()
	store := memory.NewStore()
	codes := markingcode.NewService(store, store, memory.NewEventLog())
	reg := prometheus.NewRegistry()
	e := &env{
		t:        t,
		codes:    codes,
		reissuer: &fakeReissuer{},
		registry: reg,
		owner:    id.New(),
		profile:  id.New(),
		product:  id.New(),
	}
	e.router = v1.NewRouter(v1.RouterConfig{
		Logger:       logger.NewNop(),
		Codes:        codes,
		Reissuer:     e.reissuer,
		HealthChecks: checks,
		Version:      "test",
		Requests:     metrics.New(reg, metrics.Config{Environment: "test"}),
		Gatherer:     reg,
	})
	return e
}

func (e *env) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *env) createLot(codes ...string) dto.CreateLotResponse {
	e.t.Helper()
	req := dto.CreateLotRequest{
		OwnerUserID:    e.owner.String(),
		OwnerProfileID: e.profile.String(),
		Product:        dto.ProductKey{ProductID: e.product.String()},
	}
	for _, c := range codes {
		req.Codes = append(req.Codes, dto.LotCode{Code: c})
	}
	w := e.do(http.MethodPost, "/api/v1/lots", req)
	require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[dto.CreateLotResponse](e.t, w)
}

func (e *env) reserve(codeID, orderID id.ID, part string) {
	e.t.Helper()
	_, err := e.codes.Transition(context.Background(), markingcode.TransitionRequest{
		CodeID:         codeID,
		Transition:     markingcode.TransitionReserve,
		OrderID:        id.Ptr(orderID),
		OwnerProfileID: id.Ptr(e.profile),
		Allocation:     markingcode.Allocation{PartID: part, OrderItemID: id.Ptr(id.New())},
	})
	require.NoError(e.t, err)
}

func TestHealth(t *testing.T) {
	e := newEnv(t, map[string]handlers.Pinger{
		"database": handlers.PingFunc(func(context.Context) error { return nil }),
	})
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/health/live", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/health/ready", nil).Code)

	info := decode[map[string]string](t, e.do(http.MethodGet, "/health/info", nil))
	assert.Equal(t, "test", info["version"])

	down := newEnv(t, map[string]handlers.Pinger{
		"database": handlers.PingFunc(func(context.Context) error { return nil }),
		"redis":    handlers.PingFunc(func(context.Context) error { return errors.New("refused") }),
	})
	w := down.do(http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy: refused")
}

func TestCreateLotAndQueryCode(t *testing.T) {
	e := newEnv(t, nil)
	lot := e.createLot("0104600000000011", "0104600000000012", "short")

	assert.Equal(t, 2, lot.Created)
	assert.Equal(t, 1, lot.Invalid)
	require.Len(t, lot.IDs, 3)
	assert.NotEmpty(t, lot.LotID)

	w := e.do(http.MethodGet, "/api/v1/codes/"+lot.IDs[0], nil)
	require.Equal(t, http.StatusOK, w.Code)
	code := decode[dto.MarkingCodeResponse](t, w)
	assert.Equal(t, "0104600000000011", code.Code)
	assert.Equal(t, string(markingcode.StatusNew), code.Status)
	assert.Equal(t, lot.LotID, code.LotID)

	st := decode[dto.StatusResponse](t, e.do(http.MethodGet, "/api/v1/codes/"+lot.IDs[2]+"/status", nil))
	assert.Equal(t, string(markingcode.StatusError), st.Status)
}

func TestCreateLot_ValidatesBody(t *testing.T) {
	e := newEnv(t, nil)
	w := e.do(http.MethodPost, "/api/v1/lots", dto.CreateLotRequest{OwnerUserID: "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperror.CodeValidation, decode[dto.ErrorResponse](t, w).Code)
}

func TestListByOrderAndPart(t *testing.T) {
	e := newEnv(t, nil)
	lot := e.createLot("0104600000000021", "0104600000000022", "0104600000000023")
	orderID := id.New()
	e.reserve(id.MustParse(lot.IDs[0]), orderID, "part-a")
	e.reserve(id.MustParse(lot.IDs[1]), orderID, "part-a")

	list := decode[dto.ListResponse[dto.MarkingCodeResponse]](t,
		e.do(http.MethodGet, "/api/v1/orders/"+orderID.String()+"/codes?status=process", nil))
	assert.Equal(t, 2, list.TotalCount)
	for _, c := range list.Items {
		require.NotNil(t, c.OrderID)
		assert.Equal(t, orderID.String(), *c.OrderID)
		assert.Equal(t, "part-a", c.PartID)
	}

	none := decode[dto.ListResponse[dto.MarkingCodeResponse]](t,
		e.do(http.MethodGet, "/api/v1/orders/"+orderID.String()+"/codes?status=done", nil))
	assert.Equal(t, 0, none.TotalCount)
	assert.NotNil(t, none.Items)

	assert.Equal(t, http.StatusBadRequest,
		e.do(http.MethodGet, "/api/v1/orders/"+orderID.String()+"/codes?status=bogus", nil).Code)

	part := decode[dto.ListResponse[dto.MarkingCodeResponse]](t, e.do(http.MethodGet, "/api/v1/parts/part-a/codes", nil))
	assert.Equal(t, 2, part.TotalCount)

	res := decode[dto.BulkResponse](t, e.do(http.MethodPost, "/api/v1/parts/part-a/cancel", dto.CommentRequest{Comment: "operator"}))
	assert.Equal(t, dto.BulkResponse{Affected: 2}, res)
	after := decode[dto.ListResponse[dto.MarkingCodeResponse]](t,
		e.do(http.MethodGet, "/api/v1/orders/"+orderID.String()+"/codes?status=process", nil))
	assert.Equal(t, 0, after.TotalCount)
}

func TestAdministrativeTransitionsAndHistory(t *testing.T) {
	e := newEnv(t, nil)
	lot := e.createLot("0104600000000031")
	codeID := lot.IDs[0]
	created := decode[dto.MarkingCodeResponse](t, e.do(http.MethodGet, "/api/v1/codes/"+codeID, nil))

	w := e.do(http.MethodPost, "/api/v1/codes/"+codeID+"/decommission", dto.CommentRequest{Comment: "damaged"},
		middleware.HeaderActorID, "operator-7")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(markingcode.StatusDecommission), decode[dto.MarkingCodeResponse](t, w).Status)

	// Decommission is only allowed from an allocatable status.
	w = e.do(http.MethodPost, "/api/v1/codes/"+codeID+"/decommission", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	w = e.do(http.MethodPost, "/api/v1/codes/"+codeID+"/restore", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	hist := decode[dto.ListResponse[dto.RevisionResponse]](t, e.do(http.MethodGet, "/api/v1/codes/"+codeID+"/history", nil))
	require.Equal(t, 3, hist.TotalCount)
	assert.Equal(t, string(markingcode.TransitionCreate), hist.Items[0].Transition)
	assert.Equal(t, string(markingcode.TransitionDecommission), hist.Items[1].Transition)
	assert.Equal(t, "operator-7", hist.Items[1].ActorID)
	assert.Equal(t, "damaged", hist.Items[1].Comment)
	assert.Equal(t, "system:api", hist.Items[2].ActorID)

	at := created.StatusAt.Format(time.RFC3339Nano)
	past := decode[dto.StatusResponse](t, e.do(http.MethodGet, "/api/v1/codes/"+codeID+"/status?at="+at, nil))
	assert.Equal(t, string(markingcode.StatusNew), past.Status)

	early := decode[dto.ListResponse[dto.RevisionResponse]](t, e.do(http.MethodGet, "/api/v1/codes/"+codeID+"/history?at="+at, nil))
	assert.GreaterOrEqual(t, early.TotalCount, 1)
	assert.Equal(t, string(markingcode.TransitionCreate), early.Items[0].Transition)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/codes/"+codeID+"/status?at=yesterday", nil).Code)
}

func TestDeleteLot(t *testing.T) {
	e := newEnv(t, nil)
	lot := e.createLot("0104600000000041", "0104600000000042")
	e.reserve(id.MustParse(lot.IDs[0]), id.New(), "p")

	res := decode[dto.BulkResponse](t, e.do(http.MethodDelete, "/api/v1/lots/"+lot.LotID, nil))
	assert.Equal(t, dto.BulkResponse{Affected: 1, Skipped: 1}, res)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/codes/"+lot.IDs[1], nil).Code)
}

func TestCodeErrors(t *testing.T) {
	e := newEnv(t, nil)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/codes/not-an-id", nil).Code)

	w := e.do(http.MethodGet, "/api/v1/codes/"+id.New().String()+"/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperror.CodeNotFound, decode[dto.ErrorResponse](t, w).Code)

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/nowhere", nil).Code)
}

func TestReissue(t *testing.T) {
	e := newEnv(t, nil)
	orderID := id.New()
	e.reissuer.res = saga.PassResult{Released: 2, Reserved: 2, Parts: []string{"p1"}}

	w := e.do(http.MethodPost, "/api/v1/orders/"+orderID.String()+"/reissue", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[dto.ReissueResponse](t, w)
	assert.Equal(t, 2, res.Reserved)
	assert.Equal(t, []string{"p1"}, res.Parts)
	assert.Equal(t, []id.ID{orderID}, e.reissuer.calls)

	e.reissuer.err = apperror.NewPreconditionFailed("order has never been packaged")
	w = e.do(http.MethodPost, "/api/v1/orders/"+orderID.String()+"/reissue", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperror.CodePreconditionFailed, decode[dto.ErrorResponse](t, w).Code)

	e.reissuer.err = apperror.NewIdempotencyConflict("order:x:Reissue:reissue")
	w = e.do(http.MethodPost, "/api/v1/orders/"+orderID.String()+"/reissue", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestInternalErrorsAreHidden(t *testing.T) {
	e := newEnv(t, nil)
	e.reissuer.err = errors.New("connection reset by peer")
	w := e.do(http.MethodPost, "/api/v1/orders/"+id.New().String()+"/reissue", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestRecoveryAndTraceHeaders(t *testing.T) {
	e := newEnv(t, nil)
	e.router.GET("/panic", func(*gin.Context) { panic("boom") })

	w := e.do(http.MethodGet, "/panic", nil, middleware.HeaderRequestID, "req-1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "req-1", w.Header().Get(middleware.HeaderRequestID))
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderTraceID))
	assert.Equal(t, "req-1", decode[dto.ErrorResponse](t, w).Details["request_id"])
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	e.do(http.MethodGet, "/health/live", nil)

	w := e.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `markhub_http_requests_total{env="test",method="GET",route="/health/live",service="markhub",status="200"} 1`)
}

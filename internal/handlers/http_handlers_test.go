package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"raffle/internal/models"
	"raffle/internal/services"
	"raffle/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken   = "s3cret"
	testSession = "session-1"
)

// switchableStore fails transactions while down is set.
type switchableStore struct {
	store.Store
	down bool
}

func (s *switchableStore) RunTransaction(ctx context.Context, refs []store.DocRef, fn store.TxFunc) error {
	if s.down {
		return errors.New("connection refused")
	}
	return s.Store.RunTransaction(ctx, refs, fn)
}

type testServer struct {
	router *gin.Engine
	store  *switchableStore
}

func newTestServer(t *testing.T, policy services.FailurePolicy) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &switchableStore{Store: store.NewMemory()}
	allocator := services.NewRaffleManager(s, services.AllocatorOptions{
		FailurePolicy: policy,
		Interactive:   true,
	})
	service := services.NewRaffleService(allocator, nil)
	h := NewHTTPHandler(service, allocator, testToken, prometheus.NewRegistry())

	r := gin.New()
	h.RegisterPublicRoutes(r)
	api := r.Group("/api")
	api.Use(h.SessionMiddleware())
	h.RegisterSessionRoutes(api)
	h.RegisterAdminRoutes(api)
	return &testServer{router: r, store: s}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: testSession})
	if admin {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) createActiveRaffle(t *testing.T, mode models.Mode) models.Raffle {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/raffles", gin.H{"title": "Canasta", "mode": mode, "price": 10}, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var raffle models.Raffle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raffle))

	w = ts.do(t, http.MethodPost, "/api/raffles/"+raffle.ID+"/activate", nil, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raffle))
	return raffle
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, services.FailurePolicyDegrade)

	w := ts.do(t, http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionMiddlewareIssuesCookie(t *testing.T) {
	ts := newTestServer(t, services.FailurePolicyDegrade)

	req := httptest.NewRequest(http.MethodGet, "/api/tickets", nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookie, cookies[0].Name)
	assert.Len(t, cookies[0].Value, 36)
}

func TestAdminOnly(t *testing.T) {
	ts := newTestServer(t, services.FailurePolicyDegrade)
	body := gin.H{"title": "Canasta", "mode": "two-digit"}

	w := ts.do(t, http.MethodPost, "/api/raffles", body, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/reset", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/admin/reset", nil)
	req.Header.Set("Authorization", testToken)
	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "the token needs the Bearer scheme")

	w = ts.do(t, http.MethodPost, "/api/raffles", body, true)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestPurchaseWithoutReferences(t *testing.T) {
	gin.SetMode(gin.TestMode)
	allocator := services.NewRaffleManager(store.NewMemory(), services.AllocatorOptions{Interactive: false})
	service := services.NewRaffleService(allocator, nil)
	h := NewHTTPHandler(service, allocator, testToken, prometheus.NewRegistry())
	r := gin.New()
	api := r.Group("/api")
	api.Use(h.SessionMiddleware())
	h.RegisterSessionRoutes(api)
	h.RegisterAdminRoutes(api)
	ts := &testServer{router: r}

	raffle := ts.createActiveRaffle(t, models.ModeTwoDigit)
	assert.Equal(t, services.ReferencePlaceholder, raffle.Reference)

	w := ts.do(t, http.MethodPost, "/api/raffles/"+raffle.ID+"/selection", gin.H{"number": 4}, false)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, "/api/raffles/"+raffle.ID+"/purchase", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPurchaseFlow(t *testing.T) {
	ts := newTestServer(t, services.FailurePolicyDegrade)
	raffle := ts.createActiveRaffle(t, models.ModeTwoDigit)
	assert.Equal(t, "JM0", raffle.Reference)

	w := ts.do(t, http.MethodPost, "/api/raffles/"+raffle.ID+"/selection", gin.H{"number": 7}, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = ts.do(t, http.MethodPost, "/api/raffles/"+raffle.ID+"/selection", gin.H{"number": 8}, false)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodDelete, "/api/raffles/"+raffle.ID+"/selection/8", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"numbers":[7]}`, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/raffles/"+raffle.ID+"/purchase", nil, false)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var purchased struct {
		Tickets []models.Ticket `json:"tickets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &purchased))
	require.Len(t, purchased.Tickets, 1)
	assert.Equal(t, "JM2", purchased.Tickets[0].Reference)
	assert.Equal(t, "07", purchased.Tickets[0].Display)

	t.Run("sold number conflicts", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/raffles/"+raffle.ID+"/selection", gin.H{"number": 7}, false)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("tickets listing", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/tickets", nil, false)
		require.Equal(t, http.StatusOK, w.Code)
		var tickets []models.Ticket
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tickets))
		assert.Len(t, tickets, 1)
	})

	t.Run("csv export", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/tickets/export-csv", nil, false)
		require.Equal(t, http.StatusOK, w.Code)
		body := w.Body.String()
		assert.True(t, strings.HasPrefix(body, "\xef\xbb\xbfreference,raffle,number,price,purchased_at\n"))
		assert.Contains(t, body, "JM2,Canasta,07,10.00,")
	})

	t.Run("qr code", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/tickets/JM2/qr", nil, false)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
		assert.Equal(t, "\x89PNG", w.Body.String()[:4])

		w = ts.do(t, http.MethodGet, "/api/tickets/JM4/qr", nil, false)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("raffle shows sold numbers", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/raffles/"+raffle.ID, nil, false)
		require.Equal(t, http.StatusOK, w.Code)
		var got models.Raffle
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, []int{7}, got.Sold)
	})
}

func TestSelectionErrors(t *testing.T) {
	ts := newTestServer(t, services.FailurePolicyDegrade)

	w := ts.do(t, http.MethodPost, "/api/raffles/missing/selection", gin.H{"number": 1}, false)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/raffles", gin.H{"title": "Reloj", "mode": "three-digit"}, true)
	require.Equal(t, http.StatusCreated, w.Code)
	var inactive models.Raffle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inactive))
	w = ts.do(t, http.MethodPost, "/api/raffles/"+inactive.ID+"/selection", gin.H{"number": 1}, false)
	assert.Equal(t, http.StatusConflict, w.Code)

	raffle := ts.createActiveRaffle(t, models.ModeThreeDigit)
	w = ts.do(t, http.MethodPost, "/api/raffles/"+raffle.ID+"/selection", gin.H{"number": 1000}, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodPost, "/api/raffles/"+raffle.ID+"/selection", gin.H{}, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodPost, "/api/raffles/"+raffle.ID+"/purchase", nil, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/raffles", gin.H{"title": "Reloj", "mode": "weekly"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReferences(t *testing.T) {
	ts := newTestServer(t, services.FailurePolicyDegrade)

	w := ts.do(t, http.MethodGet, "/api/references/preview?mode=infinite&count=2", nil, false)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"refs":["JM∞1","JM∞2"],"count":0}`, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/references/preview?mode=infinite&count=0", nil, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodGet, "/api/references/preview?mode=weekly", nil, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/references", gin.H{"mode": "infinite"}, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reference":"JM∞1"}`, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/references/preview?mode=infinite", nil, false)
	assert.JSONEq(t, `{"refs":["JM∞2"],"count":1}`, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/admin/reset", nil, true)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodGet, "/api/references/preview?mode=infinite", nil, false)
	assert.JSONEq(t, `{"refs":["JM∞1"],"count":0}`, w.Body.String())
}

func TestStoreOutage(t *testing.T) {
	t.Run("fail policy answers 503", func(t *testing.T) {
		ts := newTestServer(t, services.FailurePolicyFail)
		raffle := ts.createActiveRaffle(t, models.ModeTwoDigit)
		w := ts.do(t, http.MethodPost, "/api/raffles/"+raffle.ID+"/selection", gin.H{"number": 3}, false)
		require.Equal(t, http.StatusOK, w.Code)

		ts.store.down = true
		w = ts.do(t, http.MethodPost, "/api/raffles/"+raffle.ID+"/purchase", nil, false)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		w = ts.do(t, http.MethodPost, "/api/admin/reset", nil, true)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("degrade policy flags tickets", func(t *testing.T) {
		ts := newTestServer(t, services.FailurePolicyDegrade)
		raffle := ts.createActiveRaffle(t, models.ModeTwoDigit)
		w := ts.do(t, http.MethodPost, "/api/raffles/"+raffle.ID+"/selection", gin.H{"number": 3}, false)
		require.Equal(t, http.StatusOK, w.Code)

		ts.store.down = true
		w = ts.do(t, http.MethodPost, "/api/raffles/"+raffle.ID+"/purchase", nil, false)
		require.Equal(t, http.StatusCreated, w.Code)
		var purchased struct {
			Tickets []models.Ticket `json:"tickets"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &purchased))
		require.Len(t, purchased.Tickets, 1)
		assert.True(t, purchased.Tickets[0].Degraded)
	})
}

func TestUploadRafflesCSV(t *testing.T) {
	ts := newTestServer(t, services.FailurePolicyDegrade)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("raffleCSV", "raffles.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("title,description,mode,price\nCanasta,Premio,two-digit,5\nReloj,,infinite,1.5\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/raffles/upload-csv", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/raffles", nil, false)
	var raffles []models.Raffle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raffles))
	assert.Len(t, raffles, 2)
}

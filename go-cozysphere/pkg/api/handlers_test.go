package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/aggregate"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/firmware"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/ingest"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/metrics"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/modes"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/persistence"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/relay"
)

var testNow = time.Date(2024, 12, 7, 12, 0, 0, 0, time.UTC)

type testServer struct {
	handler  http.Handler
	store    *persistence.MemoryStore
	registry *modes.Registry
	firmware *firmware.FileSource
}

type serverOption func(*Dependencies)

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	store := persistence.NewMemoryStore(persistence.NewClock(func() time.Time { return testNow }, 0))
	registry := modes.NewDefaultRegistry()
	fw := firmware.NewFileSource(filepath.Join(t.TempDir(), "firmware.bin"), "/api/firmware")
	m := metrics.New(prometheus.NewRegistry())

	deps := Dependencies{
		Gateway:        ingest.NewGateway(store, fw, ingest.WithMetrics(m)),
		Store:          store,
		Engine:         aggregate.NewEngine(store, aggregate.DefaultWindows),
		Registry:       registry,
		Relays:         relay.ThresholdSet(registry, 5),
		Firmware:       fw,
		Metrics:        m,
		MaxUploadBytes: 1024,
		Now:            func() time.Time { return testNow },
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &testServer{handler: NewAPI(deps).Router(), store: store, registry: registry, firmware: fw}
}

func (s *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return out
}

// --- Readings ---

func TestPostDataStoresReading(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/api/post_data", `{"temperature": 22.5, "humidity": 41}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	body := decodeBody[map[string]any](t, rr)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, false, body["update_required"])
	assert.NotContains(t, body, "firmware_url")
	assert.Equal(t, 1, s.store.Len())

	latest := decodeBody[[]map[string]any](t, s.do(t, http.MethodGet, "/api/data/latest", ""))
	require.Len(t, latest, 1)
	assert.Equal(t, 22.5, latest[0]["temperature"])
	assert.Equal(t, "2024-12-07T12:00:00Z", latest[0]["timestamp"])
}

func TestPostDataAdvertisesFirmware(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, os.WriteFile(s.firmware.Path(), []byte("image"), 0o644))

	rr := s.do(t, http.MethodPost, "/api/post_data", `{"temperature": 22.5}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	body := decodeBody[IngestResponse](t, rr)
	assert.True(t, body.UpdateRequired)
	assert.Equal(t, "http://example.com/api/firmware", body.FirmwareURL)
}

func TestPostDataRejectsInvalidPayload(t *testing.T) {
	s := newTestServer(t)
	for _, payload := range []string{`not json`, `[1,2]`, `{"temperature": "warm"}`, `{}`, `{"timestamp": 1}`, `{"id": "x"}`} {
		rr := s.do(t, http.MethodPost, "/api/post_data", payload)
		assert.Equal(t, http.StatusBadRequest, rr.Code, payload)
		body := decodeBody[ErrorResponse](t, rr)
		assert.Equal(t, "error", body.Status)
		assert.NotEmpty(t, body.Message)
	}
	assert.Zero(t, s.store.Len())
}

type failingAppender struct{}

func (failingAppender) Append(context.Context, map[string]any) (*model.Reading, error) {
	return nil, fmt.Errorf("%w: disk full", model.ErrStorage)
}

func TestPostDataStorageFailure(t *testing.T) {
	s := newTestServer(t, func(d *Dependencies) {
		d.Gateway = ingest.NewGateway(failingAppender{}, nil)
	})
	rr := s.do(t, http.MethodPost, "/api/post_data", `{"temperature": 20}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	body := decodeBody[ErrorResponse](t, rr)
	assert.NotContains(t, body.Message, "disk full")
}

func TestLatestData(t *testing.T) {
	s := newTestServer(t)

	empty := decodeBody[[]map[string]any](t, s.do(t, http.MethodGet, "/api/data/latest", ""))
	assert.Empty(t, empty)

	for i := 0; i < 5; i++ {
		rr := s.do(t, http.MethodPost, "/api/post_data", fmt.Sprintf(`{"temperature": %d}`, 20+i))
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	one := decodeBody[[]map[string]any](t, s.do(t, http.MethodGet, "/api/data/latest", ""))
	require.Len(t, one, 1)
	assert.Equal(t, 24.0, one[0]["temperature"], "ties resolve to the last insert")

	three := decodeBody[[]map[string]any](t, s.do(t, http.MethodGet, "/api/data/latest?n=3", ""))
	require.Len(t, three, 3)
	assert.Equal(t, []any{24.0, 23.0, 22.0}, []any{three[0]["temperature"], three[1]["temperature"], three[2]["temperature"]})

	rr := s.do(t, http.MethodGet, "/api/data/latest?n=many", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAverages(t *testing.T) {
	s := newTestServer(t)
	for _, p := range []string{`{"temperature": 20, "humidity": 40}`, `{"temperature": 22}`} {
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/post_data", p).Code)
	}

	rr := s.do(t, http.MethodGet, "/api/data/hourly_avg", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[{"_id":{"year":2024,"month":12,"day":7,"hour":12},"avg_temperature":21,"avg_humidity":40,"count":2}]`, rr.Body.String())

	rr = s.do(t, http.MethodGet, "/api/data/daily_avg", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[{"_id":{"year":2024,"month":12,"day":7},"avg_temperature":21,"avg_humidity":40,"count":2}]`, rr.Body.String())
}

func TestAveragesOfEmptyStore(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodGet, "/api/data/hourly_avg", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

// --- Settings and modes ---

func TestSettings(t *testing.T) {
	s := newTestServer(t)

	got := decodeBody[model.ThresholdSettings](t, s.do(t, http.MethodGet, "/api/settings", ""))
	assert.Equal(t, model.DefaultSettings, got)

	rr := s.do(t, http.MethodPost, "/api/settings", `{"temp_threshold_high": "28.5"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	updated := decodeBody[SettingsResponse](t, rr)
	assert.Equal(t, "success", updated.Status)
	assert.Equal(t, model.ThresholdSettings{TempThresholdHigh: 28.5, HumThresholdLow: 50}, updated.Settings)

	rr = s.do(t, http.MethodPost, "/api/settings", `{"temp_threshold_high": 10, "hum_threshold_low": "damp"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, updated.Settings, s.registry.Settings(), "rejected patch leaves settings alone")

	rr = s.do(t, http.MethodPost, "/api/settings", `{"temp_threshold_high": 10`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListModes(t *testing.T) {
	s := newTestServer(t)
	got := decodeBody[ModesResponse](t, s.do(t, http.MethodGet, "/api/modes", ""))
	assert.Equal(t, model.DefaultModeName, got.CurrentMode)
	assert.Len(t, got.Modes, 5)
	assert.Equal(t, 20.0, got.Modes["Sleep Mode"].TempThresholdHigh)
}

func TestUpdateAndActivateMode(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/api/modes/Sleep%20Mode", `{"temp_threshold_high": 19}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	edited := decodeBody[ModeResponse](t, rr)
	assert.Equal(t, 19.0, edited.Mode.TempThresholdHigh)
	assert.Equal(t, 55.0, edited.Mode.HumThresholdLow)
	assert.Equal(t, model.DefaultSettings, s.registry.Settings(), "editing a mode does not apply it")

	rr = s.do(t, http.MethodPost, "/api/modes/activate/Sleep%20Mode", "")
	require.Equal(t, http.StatusOK, rr.Code)
	activated := decodeBody[ActivationResponse](t, rr)
	assert.Equal(t, "Sleep Mode", activated.CurrentMode)
	assert.Equal(t, model.ThresholdSettings{TempThresholdHigh: 19, HumThresholdLow: 55}, activated.Settings)
	assert.Equal(t, activated.Settings, s.registry.Settings())
}

func TestUnknownMode(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/api/modes/Party%20Mode", `{"temp_threshold_high": 30}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// Not found wins over a malformed body.
	rr = s.do(t, http.MethodPost, "/api/modes/Party%20Mode", `{"temp_threshold_high": "hot"`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = s.do(t, http.MethodPost, "/api/modes/Relax%20Mode", `{"temp_threshold_high": "hot"`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodPost, "/api/modes/activate/Party%20Mode", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, model.DefaultModeName, s.registry.ActiveModeName())
	assert.Equal(t, model.DefaultSettings, s.registry.Settings())
}

func TestSetModeFromBody(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/api/mode", `{"mode": "Relax Mode"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Relax Mode", s.registry.ActiveModeName())
	assert.Equal(t, model.ThresholdSettings{TempThresholdHigh: 23, HumThresholdLow: 50}, s.registry.Settings())

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/mode", `{"mode": ""}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/mode", `mode=Relax`).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/mode", `{"mode": "Nope"}`).Code)
}

// --- Relay prediction ---

const featureQuery = "temperature=%v&humidity=%v&hour=14&day_of_week=3&month=12&air_quality=1&is_home=1"

func TestPredictRelay(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/api/predict_relay/fan?"+fmt.Sprintf(featureQuery, 31, 45), "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"relay":"fan","status":"ON"}`, rr.Body.String())

	rr = s.do(t, http.MethodGet, "/api/predict_relay/humidifier?"+fmt.Sprintf(featureQuery, 22, 60), "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"relay":"humidifier","status":"OFF"}`, rr.Body.String())
}

func TestPredictRelayRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/api/predict_relay/toaster?"+fmt.Sprintf(featureQuery, 20, 40), "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Invalid relay type.", decodeBody[ErrorResponse](t, rr).Message)

	rr = s.do(t, http.MethodGet, "/api/predict_relay/fan?temperature=20", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPredictRelayUnavailable(t *testing.T) {
	s := newTestServer(t, func(d *Dependencies) {
		d.Relays = relay.NewSet(map[model.RelayType]relay.Predictor{
			model.RelayFan: relay.PredictorFunc(func(context.Context, model.PredictFeatures) (model.RelayState, error) {
				return "", fmt.Errorf("%w: connection refused", relay.ErrUnavailable)
			}),
		})
	})
	rr := s.do(t, http.MethodGet, "/api/predict_relay/fan?"+fmt.Sprintf(featureQuery, 20, 40), "")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

// --- Firmware ---

func uploadRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		part, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("note", "no file"))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload_firmware", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestFirmwareUploadAndDownload(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/api/firmware", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	image := []byte("\x7fELF firmware v2")
	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, uploadRequest(t, "firmware", "cozy-v2.bin", image))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "success", decodeBody[MessageResponse](t, rr).Status)

	rr = s.do(t, http.MethodGet, "/api/firmware", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, image, rr.Body.Bytes())
	assert.Equal(t, "application/octet-stream", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "firmware.bin")
}

func TestFirmwareUploadRejects(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, uploadRequest(t, "", "", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "No file part", decodeBody[ErrorResponse](t, rr).Message)

	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, uploadRequest(t, "firmware", "", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	s.handler.ServeHTTP(rr, uploadRequest(t, "firmware", "big.bin", bytes.Repeat([]byte("a"), 4096)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	assert.False(t, s.firmware.Available(context.Background()), "rejected uploads leave no image behind")
}

func TestFirmwareNotConfigured(t *testing.T) {
	s := newTestServer(t, func(d *Dependencies) { d.Firmware = nil })
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/firmware", "").Code)
}

// --- Health ---

type pingStore struct{ err error }

func (p pingStore) Latest(context.Context, int) ([]*model.Reading, error) { return nil, p.err }
func (p pingStore) Ping(context.Context) error                            { return p.err }

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody[HealthResponse](t, rr)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "2024-12-07T12:00:00Z", body.Timestamp)

	down := newTestServer(t, func(d *Dependencies) { d.Store = pingStore{err: errors.New("connection reset")} })
	rr = down.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "unavailable", decodeBody[HealthResponse](t, rr).Status)
}

func TestLatestStoreFailure(t *testing.T) {
	s := newTestServer(t, func(d *Dependencies) {
		d.Store = pingStore{err: fmt.Errorf("%w: timeout", model.ErrStorage)}
	})
	assert.Equal(t, http.StatusInternalServerError, s.do(t, http.MethodGet, "/api/data/latest", "").Code)
}

func TestAbsoluteURL(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/post_data", nil)
	req.Host = "10.0.0.5:5001"
	assert.Equal(t, "http://10.0.0.5:5001/api/firmware", absoluteURL(req, "/api/firmware"))
	assert.Equal(t, "https://cdn.example.com/fw.bin", absoluteURL(req, "https://cdn.example.com/fw.bin"))

	req.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://10.0.0.5:5001/api/firmware", absoluteURL(req, "/api/firmware"))
}

// pkg/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/aggregate"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/firmware"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/ingest"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/logging"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/metrics"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/modes"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/relay"
)

const (
	maxReadingBytes = 1 << 20
	maxSettingsBody = 64 << 10
	maxLatest       = 1000
	healthTimeout   = 2 * time.Second
)

// ReadingReader is the read side of the event store used by the handlers.
type ReadingReader interface {
	Latest(ctx context.Context, n int) ([]*model.Reading, error)
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators an API serves requests with.
// Firmware and Metrics may be nil.
type Dependencies struct {
	Gateway        *ingest.Gateway
	Store          ReadingReader
	Engine         *aggregate.Engine
	Registry       *modes.Registry
	Relays         *relay.Set
	Firmware       *firmware.FileSource
	Metrics        *metrics.Metrics
	MaxUploadBytes int64
	Now            func() time.Time // Defaults to time.Now
}

// API holds the handler dependencies.
type API struct {
	deps Dependencies
	log  *slog.Logger
}

// NewAPI creates the HTTP handlers over deps.
func NewAPI(deps Dependencies) *API {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 16 << 20
	}
	return &API{deps: deps, log: logging.Component("api")}
}

func (a *API) respond(w http.ResponseWriter) *ResponseWriter {
	return newResponseWriter(w, a.log)
}

// --- Readings ---

// IngestResponse acknowledges a stored reading.
type IngestResponse struct {
	Status         string         `json:"status"`
	UpdateRequired bool           `json:"update_required"`
	FirmwareURL    string         `json:"firmware_url,omitempty"`
	Reading        *model.Reading `json:"reading"`
}

// PostData handles POST /api/post_data.
func (a *API) PostData(w http.ResponseWriter, r *http.Request) {
	rw := a.respond(w)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReadingBytes))
	if err != nil {
		rw.SendError(bodyErrorStatus(err), "Invalid request payload: "+err.Error())
		return
	}

	res, err := a.deps.Gateway.Ingest(r.Context(), body)
	if err != nil {
		rw.SendFailure(err, "ingest")
		return
	}

	resp := IngestResponse{Status: statusSuccess, UpdateRequired: res.UpdateAvailable, Reading: res.Reading}
	if res.UpdateAvailable {
		resp.FirmwareURL = absoluteURL(r, res.FirmwareURL)
	}
	rw.SendJSON(http.StatusCreated, resp)
}

// LatestData handles GET /api/data/latest?n=.
func (a *API) LatestData(w http.ResponseWriter, r *http.Request) {
	rw := a.respond(w)
	n := 1
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			rw.SendError(http.StatusBadRequest, fmt.Sprintf("n: %q is not an integer", v))
			return
		}
		n = min(parsed, maxLatest)
	}

	readings, err := a.deps.Store.Latest(r.Context(), n)
	if err != nil {
		rw.SendFailure(err, "latest readings")
		return
	}
	rw.SendJSON(http.StatusOK, readings)
}

// HourlyAverage handles GET /api/data/hourly_avg.
func (a *API) HourlyAverage(w http.ResponseWriter, r *http.Request) {
	a.average(w, r, aggregate.Hourly)
}

// DailyAverage handles GET /api/data/daily_avg.
func (a *API) DailyAverage(w http.ResponseWriter, r *http.Request) {
	a.average(w, r, aggregate.Daily)
}

func (a *API) average(w http.ResponseWriter, r *http.Request, g aggregate.Granularity) {
	rw := a.respond(w)
	buckets, err := a.deps.Engine.Average(r.Context(), g, a.deps.Now())
	if err != nil {
		rw.SendFailure(err, g.String()+" average")
		return
	}
	a.deps.Metrics.Aggregated(g.String())
	if buckets == nil {
		buckets = []model.AggregateBucket{}
	}
	rw.SendJSON(http.StatusOK, buckets)
}

// --- Settings and modes ---

// SettingsResponse is returned after a settings update.
type SettingsResponse struct {
	Status   string                  `json:"status"`
	Settings model.ThresholdSettings `json:"settings"`
}

// GetSettings handles GET /api/settings.
func (a *API) GetSettings(w http.ResponseWriter, r *http.Request) {
	a.respond(w).SendJSON(http.StatusOK, a.deps.Registry.Settings())
}

// UpdateSettings handles POST /api/settings.
func (a *API) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	rw := a.respond(w)
	patch, err := decodePatch(w, r)
	if err != nil {
		rw.SendFailure(err, "update settings")
		return
	}
	settings := a.deps.Registry.UpdateSettings(patch)
	rw.SendJSON(http.StatusOK, SettingsResponse{Status: statusSuccess, Settings: settings})
}

// ModesResponse lists the presets and the active one.
type ModesResponse struct {
	CurrentMode string                  `json:"current_mode"`
	Modes       map[string]model.Mode   `json:"modes"`
	Settings    model.ThresholdSettings `json:"settings"`
}

// ListModes handles GET /api/modes.
func (a *API) ListModes(w http.ResponseWriter, r *http.Request) {
	snap := a.deps.Registry.Snapshot()
	a.respond(w).SendJSON(http.StatusOK, ModesResponse{
		CurrentMode: snap.CurrentMode,
		Modes:       snap.Modes,
		Settings:    snap.Settings,
	})
}

// ModeResponse is returned after a mode edit.
type ModeResponse struct {
	Status string     `json:"status"`
	Mode   model.Mode `json:"mode"`
}

// UpdateMode handles POST /api/modes/{name}.
func (a *API) UpdateMode(w http.ResponseWriter, r *http.Request) {
	rw := a.respond(w)
	name := modeParam(r)
	if _, err := a.deps.Registry.Mode(name); err != nil {
		rw.SendFailure(err, "update mode")
		return
	}
	patch, err := decodePatch(w, r)
	if err != nil {
		rw.SendFailure(err, "update mode")
		return
	}
	mode, err := a.deps.Registry.UpdateMode(name, patch)
	if err != nil {
		rw.SendFailure(err, "update mode")
		return
	}
	rw.SendJSON(http.StatusOK, ModeResponse{Status: statusSuccess, Mode: mode})
}

// ActivationResponse is returned after a mode switch.
type ActivationResponse struct {
	Status      string                  `json:"status"`
	CurrentMode string                  `json:"current_mode"`
	Settings    model.ThresholdSettings `json:"settings"`
}

// ActivateMode handles POST /api/modes/activate/{name}.
func (a *API) ActivateMode(w http.ResponseWriter, r *http.Request) {
	a.activate(w, modeParam(r))
}

type setModeRequest struct {
	Mode string `json:"mode"`
}

// SetMode handles POST /api/mode, the mobile client's way of switching
// modes with {"mode": name}.
func (a *API) SetMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBody)).Decode(&req); err != nil {
		a.respond(w).SendError(bodyErrorStatus(err), "Invalid request payload: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Mode) == "" {
		a.respond(w).SendError(http.StatusBadRequest, "Missing required field: mode")
		return
	}
	a.activate(w, req.Mode)
}

func (a *API) activate(w http.ResponseWriter, name string) {
	rw := a.respond(w)
	current, settings, err := a.deps.Registry.Activate(name)
	if err != nil {
		rw.SendFailure(err, "activate mode")
		return
	}
	a.deps.Metrics.ModeActivated(current)
	rw.SendJSON(http.StatusOK, ActivationResponse{Status: statusSuccess, CurrentMode: current, Settings: settings})
}

// modeParam returns the unescaped {name} path segment.
func modeParam(r *http.Request) string {
	name := chi.URLParam(r, "name")
	if unescaped, err := url.PathUnescape(name); err == nil {
		return unescaped
	}
	return name
}

// decodePatch reads a threshold patch from the request body.
func decodePatch(w http.ResponseWriter, r *http.Request) (modes.Patch, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return modes.Patch{}, fmt.Errorf("%w: invalid request payload: %w", model.ErrValidation, err)
	}
	return modes.ParsePatch(raw)
}

// --- Relay prediction ---

// RelayResponse carries a predicted relay state.
type RelayResponse struct {
	Relay  string           `json:"relay"`
	Status model.RelayState `json:"status"`
}

// PredictRelay handles GET /api/predict_relay/{relay}.
func (a *API) PredictRelay(w http.ResponseWriter, r *http.Request) {
	rw := a.respond(w)
	relayType := chi.URLParam(r, "relay")
	if !a.deps.Relays.Has(relayType) {
		rw.SendError(http.StatusBadRequest, "Invalid relay type.")
		return
	}
	features, err := relay.ParseFeatures(r.URL.Query())
	if err != nil {
		rw.SendFailure(err, "predict relay")
		return
	}
	state, err := a.deps.Relays.Predict(r.Context(), relayType, features)
	if err != nil {
		rw.SendFailure(err, "predict relay")
		return
	}
	rw.SendJSON(http.StatusOK, RelayResponse{Relay: relayType, Status: state})
}

// --- Firmware ---

// DownloadFirmware handles GET /api/firmware.
func (a *API) DownloadFirmware(w http.ResponseWriter, r *http.Request) {
	rw := a.respond(w)
	if a.deps.Firmware == nil {
		rw.SendError(http.StatusNotFound, "Firmware not found.")
		return
	}
	f, err := a.deps.Firmware.Open()
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			rw.SendError(http.StatusNotFound, "Firmware not found.")
			return
		}
		rw.SendFailure(err, "firmware download")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		rw.SendFailure(fmt.Errorf("%w: stat firmware: %w", model.ErrStorage, err), "firmware download")
		return
	}
	name := path.Base(a.deps.Firmware.Path())
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// UploadFirmware handles POST /api/upload_firmware with a multipart
// "firmware" file field.
func (a *API) UploadFirmware(w http.ResponseWriter, r *http.Request) {
	rw := a.respond(w)
	if a.deps.Firmware == nil {
		rw.SendError(http.StatusNotFound, "Firmware distribution is not configured.")
		return
	}

	// Leave room for the multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, a.deps.MaxUploadBytes+64<<10)
	file, header, err := r.FormFile("firmware")
	if err != nil {
		switch {
		case errors.Is(err, http.ErrMissingFile):
			rw.SendError(http.StatusBadRequest, "No file part")
		default:
			rw.SendError(bodyErrorStatus(err), "Invalid upload: "+err.Error())
		}
		return
	}
	defer file.Close()
	if header.Filename == "" {
		rw.SendError(http.StatusBadRequest, "No selected file")
		return
	}
	if header.Size > a.deps.MaxUploadBytes {
		rw.SendError(http.StatusRequestEntityTooLarge, "Firmware image too large")
		return
	}

	n, err := a.deps.Firmware.Store(file)
	if err != nil {
		rw.SendFailure(err, "firmware upload")
		return
	}
	a.log.Info("firmware uploaded", "filename", header.Filename, "bytes", n)
	rw.SendSuccess(http.StatusOK, "Firmware uploaded successfully")
}

// --- Health Check Handler ---

// HealthResponse reports service health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// Health handles GET /healthz and pings the event store.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Timestamp: a.deps.Now().UTC().Format(time.RFC3339)}
	code := http.StatusOK
	if err := a.deps.Store.Ping(ctx); err != nil {
		a.log.Warn("health check failed", "error", err)
		resp.Status = "unavailable"
		resp.Error = "store unreachable"
		code = http.StatusServiceUnavailable
	}
	a.respond(w).SendJSON(code, resp)
}

// --- helpers ---

// bodyErrorStatus distinguishes oversized bodies from malformed ones.
func bodyErrorStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// absoluteURL resolves a relative firmware URL against the host the device
// reached us on.
func absoluteURL(r *http.Request, raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() {
		return raw
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	base := &url.URL{Scheme: scheme, Host: r.Host, Path: "/"}
	return base.ResolveReference(u).String()
}

// pkg/api/routes.go
package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Route binds one method and pattern to a handler.
type Route struct {
	Method  string
	Pattern string
	Handler http.HandlerFunc
}

// Routes is the complete route table of the service.
func (a *API) Routes() []Route {
	return []Route{
		{http.MethodGet, "/healthz", a.Health},

		{http.MethodPost, "/api/post_data", a.PostData},
		{http.MethodGet, "/api/data/latest", a.LatestData},
		{http.MethodGet, "/api/data/hourly_avg", a.HourlyAverage},
		{http.MethodGet, "/api/data/daily_avg", a.DailyAverage},

		{http.MethodGet, "/api/settings", a.GetSettings},
		{http.MethodPost, "/api/settings", a.UpdateSettings},
		{http.MethodGet, "/api/modes", a.ListModes},
		{http.MethodPost, "/api/modes/activate/{name}", a.ActivateMode},
		{http.MethodPost, "/api/modes/{name}", a.UpdateMode},
		{http.MethodPost, "/api/mode", a.SetMode},

		{http.MethodGet, "/api/predict_relay/{relay}", a.PredictRelay},

		{http.MethodGet, "/api/firmware", a.DownloadFirmware},
		{http.MethodPost, "/api/upload_firmware", a.UploadFirmware},
	}
}

// Register mounts routes on r. Registering the same method and pattern
// twice is a programming error and panics.
func Register(r chi.Router, routes []Route) {
	seen := make(map[string]bool, len(routes))
	for _, rt := range routes {
		key := rt.Method + " " + rt.Pattern
		if seen[key] {
			panic(fmt.Sprintf("api: duplicate route %s", key))
		}
		seen[key] = true
		r.MethodFunc(rt.Method, rt.Pattern, rt.Handler)
	}
}

// Router returns a bare chi router serving the API routes plus extra.
func (a *API) Router(extra ...Route) chi.Router {
	r := chi.NewRouter()
	Register(r, append(a.Routes(), extra...))
	return r
}

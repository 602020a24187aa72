package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
)

// HTTPPredictor asks a model server for a prediction:
// POST {BaseURL}/predict/{relay} with the features as JSON, answered by
// {"state": "ON"|"OFF"}.
type HTTPPredictor struct {
	client   *http.Client
	endpoint string
}

// NewHTTPPredictor returns a predictor for relay served under baseURL.
// A nil client gets a client with timeout.
func NewHTTPPredictor(baseURL string, relay model.RelayType, client *http.Client, timeout time.Duration) *HTTPPredictor {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPPredictor{
		client:   client,
		endpoint: strings.TrimRight(baseURL, "/") + "/predict/" + url.PathEscape(string(relay)),
	}
}

type predictResponse struct {
	State string `json:"state"`
}

func (p *HTTPPredictor) Predict(ctx context.Context, f model.PredictFeatures) (model.RelayState, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode features: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.CopyN(io.Discard, resp.Body, 512)
		return "", fmt.Errorf("%w: model server returned %d", ErrUnavailable, resp.StatusCode)
	}

	var out predictResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	switch state := model.RelayState(strings.ToUpper(out.State)); state {
	case model.RelayOn, model.RelayOff:
		return state, nil
	default:
		return "", fmt.Errorf("%w: unexpected state %q", ErrUnavailable, out.State)
	}
}

// HTTPSet builds remote predictors for every known relay type.
func HTTPSet(baseURL string, client *http.Client, timeout time.Duration) *Set {
	predictors := make(map[model.RelayType]Predictor, len(model.RelayTypes))
	for _, t := range model.RelayTypes {
		predictors[t] = NewHTTPPredictor(baseURL, t, client, timeout)
	}
	return NewSet(predictors)
}

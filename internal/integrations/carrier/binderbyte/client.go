package binderbyte

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/LockerBox/internal/httpclient"
	"github.com/BearBump/LockerBox/internal/integrations/carrier"
	"github.com/BearBump/LockerBox/internal/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Client talks to a binderbyte-compatible tracking API:
// GET /v1/track?api_key=&courier=&awb=[&number=].
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.binderbyte.com"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   httpclient.New(30*time.Second, log),
	}
}

type trackResp struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Summary json.RawMessage `json:"summary"`
		Detail  json.RawMessage `json:"detail"`
		History json.RawMessage `json:"history"`
	} `json:"data"`
}

type summaryStatus struct {
	Status string `json:"status"`
}

func (c *Client) Track(ctx context.Context, q carrier.Query) (models.Snapshot, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return models.Snapshot{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/v1/track"

	v := u.Query()
	v.Set("api_key", c.apiKey)
	v.Set("courier", q.Carrier)
	v.Set("awb", q.TrackingNumber)
	if q.AuxCode != "" {
		v.Set("number", q.AuxCode)
	}
	u.RawQuery = v.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.Snapshot{}, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return models.Snapshot{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	// Провайдер отвечает 400/404 на неизвестный номер, 5xx/429 это уже его проблемы.
	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		return models.Snapshot{}, carrier.ErrNoMatch
	case resp.StatusCode/100 != 2:
		return models.Snapshot{}, fmt.Errorf("tracking provider http %d", resp.StatusCode)
	}

	var r trackResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return models.Snapshot{}, errors.Wrap(err, "decode")
	}
	if r.Status != http.StatusOK || isEmptyJSON(r.Data.Summary) {
		return models.Snapshot{}, carrier.ErrNoMatch
	}

	snap := models.Snapshot{
		Summary: r.Data.Summary,
		Detail:  nullToEmpty(r.Data.Detail),
		History: nullToEmpty(r.Data.History),
	}
	var st summaryStatus
	if json.Unmarshal(r.Data.Summary, &st) == nil {
		snap.Status = st.Status
	}
	return snap, nil
}

func isEmptyJSON(b json.RawMessage) bool {
	t := bytes.TrimSpace(b)
	return len(t) == 0 || bytes.Equal(t, []byte("null")) || bytes.Equal(t, []byte("{}"))
}

func nullToEmpty(b json.RawMessage) json.RawMessage {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	return b
}

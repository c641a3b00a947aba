package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/linkwithmentor/platform/infrastructure/httputil"
	"github.com/linkwithmentor/platform/infrastructure/store"
)

// HTTPModerator calls the safety-moderation service.
type HTTPModerator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPModerator builds a moderator client against baseURL.
func NewHTTPModerator(baseURL string, timeout time.Duration) *HTTPModerator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	base := &http.Client{Transport: httputil.DefaultTransportWithMinTLS12()}
	return &HTTPModerator{
		baseURL: baseURL,
		client:  httputil.CopyHTTPClientWithTimeout(base, timeout, true),
	}
}

type moderateRequest struct {
	Body string `json:"body"`
}

type moderateResponse struct {
	Status string `json:"status"`
}

// ModerateText classifies body. Transport failures degrade to Approved so a
// moderation outage never blocks messaging; the caller logs the error.
func (m *HTTPModerator) ModerateText(ctx context.Context, body string) (store.ModerationStatus, error) {
	payload, err := json.Marshal(moderateRequest{Body: body})
	if err != nil {
		return store.ModerationApproved, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/moderation/text", bytes.NewReader(payload))
	if err != nil {
		return store.ModerationApproved, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return store.ModerationApproved, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return store.ModerationApproved, fmt.Errorf("moderation service returned %d", resp.StatusCode)
	}

	var decoded moderateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return store.ModerationApproved, err
	}

	switch decoded.Status {
	case "flagged":
		return store.ModerationFlagged, nil
	case "blocked":
		return store.ModerationBlocked, nil
	default:
		return store.ModerationApproved, nil
	}
}

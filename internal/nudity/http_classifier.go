package nudity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClassifier calls an external NSFW-classification service over HTTP,
// posting the raw canvas PNG and expecting a JSON {"nude": bool} body.
// This is the concrete Classifier used outside of tests; the pack carries
// no shared REST client library, so this one outbound call is built on
// net/http directly rather than adopting a dependency for a single call
// site.
type HTTPClassifier struct {
	URL    string
	Client *http.Client
}

// NewHTTPClassifier returns an HTTPClassifier posting to url with a
// bounded per-request timeout.
func NewHTTPClassifier(url string) *HTTPClassifier {
	return &HTTPClassifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type classifyResponse struct {
	Nude bool `json:"nude"`
}

func (h *HTTPClassifier) ClassifyPNG(ctx context.Context, png []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(png))
	if err != nil {
		return false, fmt.Errorf("nudity: build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")

	resp, err := h.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("nudity: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("nudity: classifier returned status %d", resp.StatusCode)
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("nudity: decode response: %w", err)
	}
	return out.Nude, nil
}

/*
bureau.go - Registration bureau clients

PURPOSE:
  Concrete market.RegulatoryNotifier implementations. The bureau's API
  surface is a single POST; everything else about it is opaque.

SEE ALSO:
  - outbox.go: Retry and failure recording around these clients
*/
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/verdant/market-engine/market"
)

// =============================================================================
// HTTP BUREAU CLIENT
// =============================================================================

// HTTPNotifier reports approved documents to the registration bureau
// over HTTP. Any non-2xx response counts as a delivery failure.
type HTTPNotifier struct {
	URL    string
	Client *http.Client
}

func NewHTTPNotifier(url string) *HTTPNotifier {
	return &HTTPNotifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, documentID market.DocumentID, documentKind string) error {
	payload, err := json.Marshal(map[string]string{
		"document_id": string(documentID),
		"kind":        documentKind,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("bureau returned status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// NOP CLIENT
// =============================================================================

// NopNotifier accepts every report. Used when no bureau endpoint is
// configured (development, tests).
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, documentID market.DocumentID, documentKind string) error {
	return nil
}

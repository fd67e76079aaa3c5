// Package focus sends best-effort focus hints to the propagation surface.
package focus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds every hint.
const DefaultTimeout = 2 * time.Second

// Hint is the body of POST /focus.
type Hint struct {
	OrderID    string   `json:"order_id"`
	StoreID    string   `json:"store_id,omitempty"`
	ProductIDs []string `json:"product_ids,omitempty"`
}

// Notifier posts focus hints. A nil Notifier or one with no endpoint does
// nothing.
type Notifier struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewNotifier creates a Notifier targeting baseURL + "/focus".
func NewNotifier(baseURL string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	endpoint := ""
	if baseURL != "" {
		endpoint = strings.TrimRight(baseURL, "/") + "/focus"
	}
	return &Notifier{
		endpoint: endpoint,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		logger:   slog.Default().With("component", "focus"),
	}
}

// SetFocus sends the hint and reports whether it was delivered. It never
// blocks longer than the configured timeout and never fails its caller.
func (n *Notifier) SetFocus(ctx context.Context, orderID, storeID string, productIDs []string) bool {
	if n == nil || n.endpoint == "" {
		return false
	}
	if err := n.send(ctx, Hint{OrderID: orderID, StoreID: storeID, ProductIDs: productIDs}); err != nil {
		n.logger.Warn("focus hint not delivered",
			"order_id", orderID,
			"error", err,
		)
		return false
	}
	n.logger.Debug("focus hint delivered", "order_id", orderID)
	return true
}

func (n *Notifier) send(ctx context.Context, hint Hint) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	body, err := json.Marshal(hint)
	if err != nil {
		return fmt.Errorf("encode hint: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

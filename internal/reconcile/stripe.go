package reconcile

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// StripeClient posts meter events to Stripe's billing API. The event
// identifier is the session id, which Stripe deduplicates server-side.
type StripeClient struct {
	apiKey    string
	eventName string
	baseURL   string
}

func NewStripeClient(apiKey, eventName string) *StripeClient {
	return &StripeClient{
		apiKey:    apiKey,
		eventName: eventName,
		baseURL:   "https://api.stripe.com",
	}
}

func (c *StripeClient) ReportUsage(ctx context.Context, ev *MeterEvent) error {
	form := url.Values{}
	form.Set("event_name", c.eventName)
	form.Set("identifier", ev.SessionID)
	form.Set("timestamp", strconv.FormatInt(ev.Timestamp.Unix(), 10))
	form.Set("payload[stripe_customer_id]", ev.CustomerID)
	form.Set("payload[value]", strconv.Itoa(ev.Minutes))

	endpoint := fmt.Sprintf("%s/v1/billing/meter_events", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("stripe meter event error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}

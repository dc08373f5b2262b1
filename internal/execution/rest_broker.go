package execution

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

// RESTBrokerConfig locates the broker's order API. Credentials are named by
// environment variable and resolved only when the factory is called.
type RESTBrokerConfig struct {
	BaseURL   string
	APIKeyEnv string
	Timeout   time.Duration
}

// RESTBroker submits orders to a JSON-over-HTTP broker API.
type RESTBroker struct {
	client *resty.Client
}

// NewRESTBrokerFactory returns a BrokerFactory for the live executor.
func NewRESTBrokerFactory(cfg RESTBrokerConfig) BrokerFactory {
	return func(ctx context.Context) (Broker, error) {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("broker base url not configured")
		}
		apiKey := os.Getenv(cfg.APIKeyEnv)
		if cfg.APIKeyEnv == "" || apiKey == "" {
			return nil, fmt.Errorf("%w: env %q is empty", ErrMissingCredentials, cfg.APIKeyEnv)
		}

		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}

		client := resty.New()
		client.SetBaseURL(cfg.BaseURL)
		client.SetTimeout(timeout)
		client.SetAuthToken(apiKey)
		client.SetHeader("Content-Type", "application/json")
		client.SetHeader("User-Agent", "copyguard/1")

		return &RESTBroker{client: client}, nil
	}
}

type brokerErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PlaceOrder posts the order and classifies any non-2xx response.
func (b *RESTBroker) PlaceOrder(ctx context.Context, order BrokerOrder) (BrokerFill, error) {
	var (
		fill    BrokerFill
		errBody brokerErrorBody
	)
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", order.ClientOrderID).
		SetBody(order).
		SetResult(&fill).
		SetError(&errBody).
		Post("/orders")
	if err != nil {
		return BrokerFill{}, fmt.Errorf("post order %s: %w", order.ClientOrderID, err)
	}

	if resp.IsError() {
		kind, perr := ParseErrorKind(errBody.Code)
		if perr != nil || kind == KindNone {
			kind = kindForStatus(resp.StatusCode())
		}
		msg := errBody.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		return BrokerFill{}, &BrokerError{Kind: kind, Status: resp.StatusCode(), Message: msg}
	}

	return fill, nil
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusNotFound:
		return KindInvalidOrder
	case status == http.StatusConflict:
		return KindRejected
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindUnavailable
	}
}

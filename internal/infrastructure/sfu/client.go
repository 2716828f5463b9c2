package sfu

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/circuitbreaker"
	"callengine/pkg/errors"
	"callengine/pkg/retry"
	"callengine/pkg/tracing"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   retry.Config
	Breaker circuitbreaker.Config
}

func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
		Retry:   retry.DefaultConfig(),
		Breaker: circuitbreaker.DefaultConfig(),
	}
}

// Client talks to the SFU control plane over HTTP/JSON. Every request runs
// through the circuit breaker and retry policy inside its own span.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	retry      retry.Config
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger
}

var _ ports.SFUSignaling = (*Client)(nil)

// statusError is a non-2xx reply.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("sfu responded %d: %s", e.Status, e.Body)
}

// transient reports whether a retry may succeed. Server errors and transport
// failures are transient; client errors and malformed replies are not.
func transient(err error) bool {
	var se *statusError
	if stderrors.As(err, &se) {
		return se.Status >= http.StatusInternalServerError || se.Status == http.StatusTooManyRequests
	}
	var de *decodeError
	if stderrors.As(err, &de) {
		return false
	}
	return !stderrors.Is(err, circuitbreaker.ErrOpen) && !stderrors.Is(err, context.Canceled)
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "invalid sfu response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func NewClient(cfg Config, logger *zap.SugaredLogger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid sfu base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.Retry.ShouldRetry = transient
	cfg.Breaker.IsFailure = transient

	c := &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry:   cfg.Retry,
		breaker: circuitbreaker.New(cfg.Breaker),
		logger:  logger.With("component", "sfu_client"),
	}
	c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		c.logger.Warnw("sfu circuit breaker state changed", "from", from.String(), "to", to.String())
	})
	return c, nil
}

// BreakerState exposes the circuit state for health reporting.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.GetState()
}

func (c *Client) GetRTPCapabilities(ctx context.Context, roomID domain.RoomID) (domain.RTPCapabilities, error) {
	if roomID == "" {
		return domain.RTPCapabilities{}, errors.NewInvalidInputError("room id is required")
	}
	var caps domain.RTPCapabilities
	query := url.Values{"roomId": {string(roomID)}}
	err := c.do(ctx, "rtp_capabilities", http.MethodGet, "/rtp-capabilities?"+query.Encode(), nil, &caps, func() error { return caps.Validate() },
		tracing.RoomIDKey.String(string(roomID)))
	return caps, err
}

func (c *Client) CreateTransport(ctx context.Context, req domain.CreateTransportRequest) (domain.TransportParams, error) {
	if req.RoomID == "" {
		return domain.TransportParams{}, errors.NewInvalidInputError("room id is required")
	}
	if req.Direction != domain.TransportSend && req.Direction != domain.TransportRecv {
		return domain.TransportParams{}, errors.NewInvalidInputError("transport direction must be send or recv")
	}
	var params domain.TransportParams
	err := c.do(ctx, "create_transport", http.MethodPost, "/transport/create", req, &params, func() error { return params.Validate() },
		tracing.RoomIDKey.String(string(req.RoomID)),
		tracing.DirectionKey.String(string(req.Direction)))
	return params, err
}

func (c *Client) ConnectTransport(ctx context.Context, req domain.ConnectTransportRequest) error {
	if req.TransportID == "" {
		return errors.NewInvalidInputError("transport id is required")
	}
	if err := req.DTLSParameters.Validate(); err != nil {
		return errors.NewInvalidInputError(err.Error())
	}
	return c.do(ctx, "connect_transport", http.MethodPost, "/transport/connect", req, nil, nil,
		tracing.TransportIDKey.String(req.TransportID))
}

func (c *Client) Produce(ctx context.Context, req domain.ProduceRequest) (domain.ProduceResult, error) {
	if err := req.Validate(); err != nil {
		return domain.ProduceResult{}, errors.NewInvalidInputError(err.Error())
	}
	var res domain.ProduceResult
	err := c.do(ctx, "produce", http.MethodPost, "/produce", req, &res, func() error { return res.Validate() },
		tracing.TransportIDKey.String(req.TransportID),
		attribute.String("media.kind", string(req.Kind)))
	return res, err
}

func (c *Client) Consume(ctx context.Context, req domain.ConsumeRequest) (domain.ConsumeParams, error) {
	if req.TransportID == "" || req.ProducerID == "" {
		return domain.ConsumeParams{}, errors.NewInvalidInputError("transport id and producer id are required")
	}
	var params domain.ConsumeParams
	err := c.do(ctx, "consume", http.MethodPost, "/consume", req, &params, func() error { return params.Validate() },
		tracing.TransportIDKey.String(req.TransportID),
		attribute.String("sfu.producer_id", req.ProducerID))
	return params, err
}

// sentOnce lists operations that create state on the SFU. A retry after a
// lost reply would create a second producer, so they are never retried.
var sentOnce = map[string]bool{
	"produce": true,
}

// do sends one request and decodes the reply into out. validate runs after
// a successful decode.
func (c *Client) do(
	ctx context.Context,
	operation, method, path string,
	body, out interface{},
	validate func() error,
	attrs ...attribute.KeyValue,
) error {
	ctx, span := tracing.TraceSFURequest(ctx, operation, attrs...)
	defer span.End()
	start := time.Now()

	send := func() error {
		return c.breaker.Execute(ctx, func() error {
			return c.roundTrip(ctx, method, path, body, out)
		})
	}
	var err error
	if sentOnce[operation] {
		err = send()
	} else {
		err = retry.Retry(ctx, c.retry, send)
	}
	if err == nil && validate != nil {
		if verr := validate(); verr != nil {
			err = &decodeError{err: verr}
		}
	}
	tracing.MeasureDuration(ctx, start, operation)

	if err != nil {
		tracing.RecordError(ctx, err)
		c.logger.Warnw("sfu request failed",
			"operation", operation,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return toAppError(operation, err)
	}
	c.logger.Debugw("sfu request completed",
		"operation", operation,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &decodeError{err: err}
		}
		reader = bytes.NewReader(payload)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return &decodeError{err: err}
	}
	target := c.baseURL.ResolveReference(&url.URL{Path: c.baseURL.Path + ref.Path, RawQuery: ref.RawQuery})

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return &decodeError{err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		if out != nil {
			return &decodeError{err: stderrors.New("empty body")}
		}
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

func toAppError(operation string, err error) *errors.AppError {
	var (
		se *statusError
		de *decodeError
	)
	switch {
	case stderrors.Is(err, circuitbreaker.ErrOpen):
		return errors.WrapError(fmt.Errorf("%w: %w", domain.ErrSFUUnavailable, err),
			errors.ErrCodeServiceUnavailable, "sfu unavailable", http.StatusServiceUnavailable).
			WithContext("operation", operation)
	case stderrors.As(err, &se) && se.Status < http.StatusInternalServerError && se.Status != http.StatusTooManyRequests:
		return errors.WrapError(err, errors.ErrCodeBadGateway, "sfu rejected the request", http.StatusBadGateway).
			WithContext("operation", operation).
			WithContext("status", se.Status)
	case stderrors.As(err, &de):
		return errors.WrapError(err, errors.ErrCodeBadGateway, "invalid sfu response", http.StatusBadGateway).
			WithContext("operation", operation)
	default:
		return errors.WrapError(fmt.Errorf("%w: %w", domain.ErrSFUUnavailable, err),
			errors.ErrCodeServiceUnavailable, "sfu unavailable", http.StatusServiceUnavailable).
			WithContext("operation", operation)
	}
}

package predictions

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/observability/tracing"
	providerdomain "github.com/smallbiznis/genledger/internal/provider/domain"
)

const (
	ProviderName = "predictions"

	SignatureHeader    = "Webhook-Signature"
	signatureTolerance = 5 * time.Minute
	maxResponseBytes   = 1 << 20
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewAdapter(cfg providerdomain.AdapterConfig) (providerdomain.Provider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if _, err := url.ParseRequestURI(baseURL); err != nil || baseURL == "" {
		return nil, providerdomain.ErrInvalidConfig
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, providerdomain.ErrInvalidConfig
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}

	return &Adapter{
		baseURL:       baseURL,
		token:         strings.TrimSpace(cfg.APIToken),
		webhookSecret: secret,
		client:        tracing.WrapHTTPClient(client),
		clock:         clk,
	}, nil
}

// Adapter talks to a JSON predictions API: POST /v1/predictions, GET /v1/predictions/:id.
type Adapter struct {
	baseURL       string
	token         string
	webhookSecret string
	client        *http.Client
	clock         clock.Clock
}

func (a *Adapter) Name() string { return ProviderName }

type createPredictionRequest struct {
	Version             string         `json:"version"`
	Input               map[string]any `json:"input"`
	Webhook             string         `json:"webhook,omitempty"`
	WebhookEventsFilter []string       `json:"webhook_events_filter,omitempty"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
}

func (a *Adapter) Submit(ctx context.Context, req providerdomain.SubmitRequest) (string, error) {
	body := createPredictionRequest{
		Version: req.Model,
		Input:   req.Params,
		Webhook: req.WebhookURL,
	}
	if body.Input == nil {
		body.Input = map[string]any{}
	}
	if body.Webhook != "" {
		body.WebhookEventsFilter = []string{"completed"}
	}

	var out prediction
	if err := a.do(ctx, "create_prediction", http.MethodPost, "/v1/predictions", body, &out); err != nil {
		return "", err
	}
	ref := strings.TrimSpace(out.ID)
	if ref == "" {
		return "", fmt.Errorf("create_prediction: %w", providerdomain.ErrInvalidPayload)
	}
	return ref, nil
}

func (a *Adapter) GetStatus(ctx context.Context, ref string) (*providerdomain.StatusResult, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, providerdomain.ErrInvalidPayload
	}
	var out prediction
	if err := a.do(ctx, "get_prediction", http.MethodGet, "/v1/predictions/"+url.PathEscape(ref), nil, &out); err != nil {
		return nil, err
	}
	return toStatusResult(out)
}

// Verify checks "Webhook-Signature: t=<unix>,v1=<hex hmac-sha256(t.body)>" and rejects
// deliveries signed outside the tolerance window.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	header := strings.TrimSpace(headers.Get(SignatureHeader))
	if header == "" {
		return providerdomain.ErrInvalidSignature
	}
	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return providerdomain.ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return providerdomain.ErrInvalidSignature
	}
	skew := a.clock.Now().Sub(time.Unix(unix, 0))
	if skew > signatureTolerance || skew < -signatureTolerance {
		return providerdomain.ErrInvalidSignature
	}

	expected := Sign(a.webhookSecret, timestamp, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return providerdomain.ErrInvalidSignature
}

func (a *Adapter) ParseNotification(ctx context.Context, payload []byte) (*providerdomain.Notification, error) {
	var p prediction
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, providerdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, providerdomain.ErrInvalidPayload
	}
	result, err := toStatusResult(p)
	if err != nil {
		return nil, err
	}
	return &providerdomain.Notification{Ref: result.Ref, Result: *result}, nil
}

// Sign returns the hex signature for a timestamped payload.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue builds the header a sender would attach.
func SignatureHeaderValue(secret string, at time.Time, payload []byte) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + Sign(secret, ts, payload)
}

func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, providerdomain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}

func toStatusResult(p prediction) (*providerdomain.StatusResult, error) {
	state, err := mapStatus(p.Status)
	if err != nil {
		return nil, err
	}
	result := &providerdomain.StatusResult{
		Ref:       strings.TrimSpace(p.ID),
		State:     state,
		RawStatus: p.Status,
		Error:     decodeError(p.Error),
	}
	if state == providerdomain.StateSucceeded {
		outputs, err := providerdomain.DecodeOutputs(p.Output)
		if err != nil {
			return nil, err
		}
		result.Outputs = outputs
	}
	return result, nil
}

func mapStatus(status string) (providerdomain.State, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "starting", "queued":
		return providerdomain.StatePending, nil
	case "processing":
		return providerdomain.StateRunning, nil
	case "succeeded":
		return providerdomain.StateSucceeded, nil
	case "failed":
		return providerdomain.StateFailed, nil
	case "canceled", "cancelled", "aborted":
		return providerdomain.StateCanceled, nil
	default:
		return "", fmt.Errorf("%w: %q", providerdomain.ErrUnknownStatus, status)
	}
}

// decodeError accepts a string or an object carrying a message.
func decodeError(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.Detail
	}
	return string(raw)
}

func (a *Adapter) do(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(data, &apiErr)
		return &providerdomain.HTTPError{Operation: op, StatusCode: resp.StatusCode, Message: apiErr.Detail}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: %w", op, providerdomain.ErrInvalidPayload)
	}
	return nil
}

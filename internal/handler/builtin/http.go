package builtin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flowcore/engine/internal/handler"
)

// HTTP is the reference Action handler for outbound HTTP calls. Its
// transport is SSRF-hardened (http_safe_transport.go) rather than using
// http.DefaultTransport.
type HTTP struct {
	client    *http.Client
	protocols protocolValidator
}

// NewHTTP constructs the http handler.
func NewHTTP() *HTTP {
	return &HTTP{
		client: &http.Client{
			Transport: newSafeTransport(),
			Timeout:   30 * time.Second,
		},
	}
}

func (h *HTTP) Type() string        { return "http" }
func (h *HTTP) DisplayName() string { return "HTTP Request" }
func (h *HTTP) Category() string    { return handler.CategoryAction }
func (h *HTTP) Description() string { return "Makes an outbound HTTP request." }
func (h *HTTP) Icon() string        { return "globe" }

func (h *HTTP) ConfigSchema() handler.ConfigSchema {
	return handler.ConfigSchema{Required: []string{"url", "method"}}
}
func (h *HTTP) InterfaceDefinition() handler.InterfaceDef {
	return handler.InterfaceDef{OutputHandles: []string{"main"}}
}
func (h *HTTP) SupportsAsync() bool { return false }

func (h *HTTP) ValidateConfig(config map[string]interface{}) *handler.ValidationError {
	rawURL, ok := config["url"].(string)
	if !ok || rawURL == "" {
		return &handler.ValidationError{Field: "url", Message: "http requires a non-empty url"}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return &handler.ValidationError{Field: "url", Message: fmt.Sprintf("invalid url: %v", err)}
	}
	if err := (protocolValidator{}).validate(u.Scheme); err != nil {
		return &handler.ValidationError{Field: "url", Message: err.Error()}
	}
	method, ok := config["method"].(string)
	if !ok || method == "" {
		return &handler.ValidationError{Field: "method", Message: "http requires a non-empty method"}
	}
	return nil
}

func (h *HTTP) Execute(ctx *handler.NodeContext) handler.Result {
	rawURL, _ := ctx.Config["url"].(string)
	method, _ := ctx.Config["method"].(string)
	method = strings.ToUpper(method)

	var body io.Reader
	if payload, ok := ctx.Config["body"]; ok && payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return handler.Failure(handler.ErrInvalidInput, fmt.Sprintf("marshal request body: %v", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx.Context, method, rawURL, body)
	if err != nil {
		return handler.Failure(handler.ErrInvalidInput, fmt.Sprintf("build request: %v", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := ctx.Config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Context.Err() != nil {
			return handler.Failure(handler.ErrCancelled, "request cancelled")
		}
		return handler.Failure(handler.ErrRemoteError, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return handler.Failure(handler.ErrRemoteError, fmt.Sprintf("read response body: %v", err))
	}

	var decoded interface{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			decoded = string(respBody)
		}
	}

	output := map[string]interface{}{
		"statusCode": resp.StatusCode,
		"headers":    flattenHeaders(resp.Header),
		"body":       decoded,
	}

	if resp.StatusCode >= 400 {
		return handler.Result{
			Kind:      handler.ResultFailure,
			ErrorKind: handler.ErrRemoteError,
			Message:   fmt.Sprintf("remote returned status %d", resp.StatusCode),
			Metadata:  output,
		}
	}

	return handler.Success(output)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

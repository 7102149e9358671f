package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBody = 1 << 20

// HTTPRequestExecutor handles the "http-request" node type. A 2xx response fires
// the "response" port, any other status fires the "error" port. Transport
// failures fail the node.
type HTTPRequestExecutor struct {
	client *http.Client
}

func (e *HTTPRequestExecutor) Execute(ctx context.Context, node Node, inputs Inputs) (Output, error) {
	method := strings.ToUpper(configString(node, "method"))
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
	default:
		return nil, fmt.Errorf("unsupported HTTP method %q", method)
	}
	url := configString(node, "url")

	body, err := requestBody(node, inputs)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := node.Data.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(raw) > maxResponseBody {
		return nil, fmt.Errorf("response exceeds %d bytes", maxResponseBody)
	}

	var data any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") && len(raw) > 0 {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		data = decoded
	}

	result := map[string]any{
		"statusCode": resp.StatusCode,
		"method":     method,
		"url":        url,
		"data":       data,
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Output{
			"error":   result,
			"message": fmt.Sprintf("%s %s returned status %d", method, url, resp.StatusCode),
		}, nil
	}
	return Output{
		"response": result,
		"message":  fmt.Sprintf("%s %s completed with status %d", method, url, resp.StatusCode),
	}, nil
}

// requestBody prefers the "body" input over the configured body.
func requestBody(node Node, inputs Inputs) (io.Reader, error) {
	payload, ok := inputs.Get("body")
	if !ok || payload == nil {
		payload, ok = node.Data.Config["body"]
	}
	if !ok || payload == nil {
		return nil, nil
	}
	if s, isString := payload.(string); isString {
		return strings.NewReader(s), nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return bytes.NewReader(encoded), nil
}

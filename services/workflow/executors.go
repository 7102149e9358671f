package workflow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// StartExecutor handles the "start" node type. It is a no-op that fires the trigger port.
type StartExecutor struct{}

func (e *StartExecutor) Execute(_ context.Context, _ Node, _ Inputs) (Output, error) {
	return Output{
		"trigger": true,
		"message": "Workflow execution started",
	}, nil
}

// EndExecutor handles the "end" node type. It echoes whatever reached it.
type EndExecutor struct{}

func (e *EndExecutor) Execute(_ context.Context, _ Node, inputs Inputs) (Output, error) {
	return Output{
		"message": "Workflow execution completed",
		"result":  inputs.Values,
	}, nil
}

// LogExecutor handles the "log" node type.
type LogExecutor struct {
	logger *slog.Logger
}

func (e *LogExecutor) Execute(ctx context.Context, node Node, inputs Inputs) (Output, error) {
	message := configString(node, "message")
	if data, ok := inputs.Get("data"); ok {
		message = substitute(message, data)
	}

	level := slog.LevelInfo
	switch configString(node, "level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	attrs := []any{"node_id", node.ID}
	if includeTS, _ := node.Data.Config["includeTimestamp"].(bool); includeTS {
		attrs = append(attrs, "logged_at", time.Now().UTC().Format(time.RFC3339))
	}
	e.logger.Log(ctx, level, message, attrs...)

	return Output{
		"logged":  true,
		"message": message,
	}, nil
}

// DelayExecutor handles the "delay" node type. It honours cancellation.
type DelayExecutor struct{}

func (e *DelayExecutor) Execute(ctx context.Context, node Node, _ Inputs) (Output, error) {
	seconds, ok := toFloat64(node.Data.Config["delay"])
	if !ok || seconds < 0 {
		return nil, fmt.Errorf("delay must be a non-negative number of seconds")
	}
	d, ok := toDuration(seconds, time.Second)
	if !ok {
		return nil, fmt.Errorf("delay %v seconds is out of range", seconds)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return Output{
		"completed": true,
		"delayed":   d.Milliseconds(),
		"message":   fmt.Sprintf("Waited %s", d),
	}, nil
}

// ConditionExecutor handles the "condition" node type. It compares a number taken
// from the data input (optionally a field of it) against a threshold and fires
// either the "true" or the "false" port.
type ConditionExecutor struct{}

func (e *ConditionExecutor) Execute(_ context.Context, node Node, inputs Inputs) (Output, error) {
	raw, _ := inputs.Get("data")
	if field := configString(node, "field"); field != "" {
		v, err := lookupPath(raw, field)
		if err != nil {
			return nil, err
		}
		raw = v
	}

	value, ok := toFloat64(raw)
	if !ok {
		return nil, fmt.Errorf("value %v is not a number", raw)
	}
	threshold, ok := toFloat64(node.Data.Config["threshold"])
	if !ok {
		return nil, fmt.Errorf("threshold is not a number")
	}
	operator := configString(node, "operator")
	if _, known := operatorSymbols[operator]; !known {
		return nil, fmt.Errorf("unknown operator %q", operator)
	}

	result := evaluateCondition(value, operator, threshold)
	expression := fmt.Sprintf("%.1f %s %.1f", value, operatorSymbols[operator], threshold)

	var message string
	if result {
		message = fmt.Sprintf("%.1f is %s %.1f - condition met", value, operatorLabels[operator], threshold)
	} else {
		message = fmt.Sprintf("%.1f is not %s %.1f - condition not met", value, operatorLabels[operator], threshold)
	}

	branch := strconv.FormatBool(result)
	passthrough, _ := inputs.Get("data")
	return Output{
		branch:         passthrough,
		"message":      message,
		"conditionMet": result,
		"conditionResult": map[string]any{
			"expression": expression,
			"result":     result,
			"value":      value,
			"operator":   operator,
			"threshold":  threshold,
		},
	}, nil
}

// EmailExecutor handles the "send-email" node type. It produces an email draft;
// delivery is left to whoever consumes the output. An unusable recipient fires
// the "error" port.
type EmailExecutor struct{}

func (e *EmailExecutor) Execute(_ context.Context, node Node, inputs Inputs) (Output, error) {
	recipient := configString(node, "recipient")
	if _, err := mail.ParseAddress(recipient); err != nil {
		return errorOutput(fmt.Sprintf("invalid recipient %q", recipient), err), nil
	}
	subject := configString(node, "subject")
	body := configString(node, "body")

	if data, ok := inputs.Get("data"); ok {
		subject = substitute(subject, data)
		body = substitute(body, data)
	}

	isHTML, _ := node.Data.Config["isHtml"].(bool)
	draft := map[string]any{
		"to":        recipient,
		"from":      "workflow-engine@example.com",
		"subject":   subject,
		"body":      body,
		"isHtml":    isHTML,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	return Output{
		"success":    true,
		"message":    fmt.Sprintf("Email drafted for %s", recipient),
		"emailDraft": draft,
	}, nil
}

// ReadFileExecutor handles the "read-file" node type for local files. Files
// that cannot be read fire the "error" port; bad config fails the node.
type ReadFileExecutor struct{}

func (e *ReadFileExecutor) Execute(_ context.Context, node Node, _ Inputs) (Output, error) {
	source := configString(node, "source")
	if source != "" && source != "local" {
		return nil, fmt.Errorf("unsupported file source %q", source)
	}

	encoding := configString(node, "encoding")
	switch encoding {
	case "", "utf8", "ascii", "base64":
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}

	path := configString(node, "path")
	info, err := os.Stat(path)
	if err != nil {
		return errorOutput("cannot read "+path, err), nil
	}
	if info.IsDir() {
		return errorOutput(path+" is a directory", nil), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return errorOutput("cannot read "+path, err), nil
	}

	content := string(raw)
	if encoding == "base64" {
		content = base64.StdEncoding.EncodeToString(raw)
	}

	return Output{
		"content": content,
		"metadata": map[string]any{
			"filename": filepath.Base(path),
			"size":     info.Size(),
			"modTime":  info.ModTime().UTC().Format(time.RFC3339),
		},
		"message": fmt.Sprintf("Read %d bytes from %s", info.Size(), filepath.Base(path)),
	}, nil
}

// errorOutput fires only the "error" port.
func errorOutput(message string, err error) Output {
	detail := map[string]any{"message": message}
	if err != nil {
		detail["cause"] = err.Error()
	}
	return Output{"error": detail, "message": message}
}

var operatorSymbols = map[string]string{
	"greater_than":          ">",
	"less_than":             "<",
	"equals":                "=",
	"greater_than_or_equal": ">=",
	"less_than_or_equal":    "<=",
}

var operatorLabels = map[string]string{
	"greater_than":          "greater than",
	"less_than":             "less than",
	"equals":                "equal to",
	"greater_than_or_equal": "greater than or equal to",
	"less_than_or_equal":    "less than or equal to",
}

// evaluateCondition compares value against threshold using the given operator.
// Both values are rounded to 1 decimal place to avoid floating-point precision issues.
func evaluateCondition(value float64, operator string, threshold float64) bool {
	v := math.Round(value*10) / 10
	th := math.Round(threshold*10) / 10

	switch operator {
	case "greater_than":
		return v > th
	case "less_than":
		return v < th
	case "equals":
		return v == th
	case "greater_than_or_equal":
		return v >= th
	case "less_than_or_equal":
		return v <= th
	default:
		return false
	}
}

// lookupPath reads a dot-separated field path such as "data.current_weather.temperature".
func lookupPath(v any, path string) (any, error) {
	for _, key := range strings.Split(path, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("data input is not an object, cannot read field %q", path)
		}
		v, ok = m[key]
		if !ok {
			return nil, fmt.Errorf("field %q not present in data input", path)
		}
	}
	return v, nil
}

// substitute replaces {{key}} placeholders with values from data when data is an object.
func substitute(s string, data any) string {
	m, ok := data.(map[string]any)
	if !ok || !strings.Contains(s, "{{") {
		return s
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", fmt.Sprint(m[k]))
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

func configString(node Node, key string) string {
	s, _ := node.Data.Config[key].(string)
	return s
}

// toFloat64 converts an any value to float64, handling json.Number, numeric strings and numeric types.
// toDuration converts v units into a Duration. It fails for negative values
// and anything that does not fit in an int64 of nanoseconds.
func toDuration(v float64, unit time.Duration) (time.Duration, bool) {
	d := v * float64(unit)
	if math.IsNaN(d) || d < 0 || d >= math.MaxInt64 {
		return 0, false
	}
	return time.Duration(d), true
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

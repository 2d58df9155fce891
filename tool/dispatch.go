package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/careops/wardgate/logging"
	"github.com/pkg/errors"
)

var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

// DispatcherOptions configure backend dispatch behavior.
type DispatcherOptions struct {
	// Timeout bounds a single backend attempt.
	Timeout time.Duration
	// MaxRetries is the number of additional attempts after a transport
	// failure.
	MaxRetries int
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
	// Logger receives dispatch diagnostics.
	Logger logging.Logger
}

// Dispatcher executes backend-routed tool calls over HTTP. It is safe for
// concurrent use; every call carries its own timeout so one slow backend
// cannot block the fan-in of an iteration's batch.
type Dispatcher struct {
	bases      map[string]string
	client     *http.Client
	timeout    time.Duration
	maxRetries int
	logger     logging.Logger
}

// NewDispatcher builds a dispatcher over the configured service base URLs.
func NewDispatcher(bases map[string]string, optFns ...func(o *DispatcherOptions)) *Dispatcher {
	opts := DispatcherOptions{
		Timeout:    15 * time.Second,
		MaxRetries: 1,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{
		bases:      bases,
		client:     client,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		logger:     logging.OrNoOp(opts.Logger),
	}
}

// Dispatch performs the backend call for def with the given arguments.
// Transport failures (timeout, connection refused) are retried once, then
// reported as a *DispatchError. Non-2xx responses are a *DispatchError
// without retry. The returned map is the decoded JSON response body.
func (d *Dispatcher) Dispatch(ctx context.Context, def Definition, params map[string]any) (map[string]any, error) {
	base, ok := d.bases[def.Route.Service]
	if !ok {
		return nil, &DispatchError{Tool: def.Name, Err: errors.Errorf("no base URL configured for service %s", def.Route.Service)}
	}

	target, remaining, err := buildURL(base, def.Route.Path, params)
	if err != nil {
		return nil, &DispatchError{Tool: def.Name, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			d.logger.Warn("tool.dispatch.retry", "tool", def.Name, "attempt", attempt, "error", lastErr.Error())
		}

		result, retryable, err := d.attempt(ctx, def, target, remaining, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}

	return nil, &DispatchError{Tool: def.Name, Err: lastErr}
}

// attempt performs one HTTP round trip. The second return value reports
// whether the failure is a transport error worth retrying.
func (d *Dispatcher) attempt(ctx context.Context, def Definition, target string, remaining, all map[string]any) (map[string]any, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var req *http.Request
	var err error

	if def.Route.Method == http.MethodGet {
		req, err = http.NewRequestWithContext(callCtx, http.MethodGet, withQuery(target, remaining), nil)
	} else {
		body := remaining
		if len(body) == 0 {
			body = all
		}
		var payload []byte
		payload, err = json.Marshal(body)
		if err == nil {
			req, err = http.NewRequestWithContext(callCtx, def.Route.Method, target, bytes.NewReader(payload))
			if req != nil {
				req.Header.Set("Content-Type", "application/json")
			}
		}
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "build request")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, true, errors.Wrap(err, "backend unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, errors.Wrap(err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := string(raw)
		if len(detail) > 500 {
			detail = detail[:500]
		}
		return nil, false, errors.Errorf("backend returned %d: %s", resp.StatusCode, detail)
	}

	var result map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			// Non-object JSON (arrays, scalars) is wrapped under "result".
			var v any
			if err2 := json.Unmarshal(raw, &v); err2 != nil {
				return nil, false, errors.Wrap(err, "decode response")
			}
			result = map[string]any{"result": v}
		}
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, false, nil
}

// buildURL substitutes {param} placeholders in the path template and returns
// the resolved URL plus the arguments not consumed by the template.
// Substituted values are path-escaped; a placeholder with no corresponding
// argument is an error rather than a literal in the URL.
func buildURL(base, pathTemplate string, params map[string]any) (string, map[string]any, error) {
	used := map[string]bool{}
	var missing []string
	path := placeholderRe.ReplaceAllStringFunc(pathTemplate, func(m string) string {
		key := strings.Trim(m, "{}")
		v, ok := params[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		used[key] = true
		return url.PathEscape(fmt.Sprintf("%v", v))
	})
	if len(missing) > 0 {
		return "", nil, errors.Errorf("missing path parameter %s", strings.Join(missing, ", "))
	}
	remaining := map[string]any{}
	for k, v := range params {
		if !used[k] {
			remaining[k] = v
		}
	}
	return base + path, remaining, nil
}

// withQuery appends remaining params as query values, respecting a template
// that already carries a query string.
func withQuery(target string, remaining map[string]any) string {
	if len(remaining) == 0 {
		return target
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(target)
	for _, k := range sortedKeys(remaining) {
		b.WriteString(sep)
		b.WriteString(url.QueryEscape(k))
		b.WriteString("=")
		b.WriteString(url.QueryEscape(fmt.Sprintf("%v", remaining[k])))
		sep = "&"
	}
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

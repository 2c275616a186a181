package behaviors

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
	"strings"
	"time"

	"github.com/rendis/opflow/internal/execution"
	"github.com/rendis/opflow/pkg/schema"
)

// TypeWebhookPost is the outbound webhook behavior.
const TypeWebhookPost = "webhook.post"

// SignatureHeader carries the hex HMAC-SHA256 of the request body when the
// behavior is configured with a secret_ref.
const SignatureHeader = "X-Opflow-Signature"

const (
	defaultMaxResponseBody = 1 << 20 // 1MB
	defaultWebhookTimeout  = 10 * time.Second
)

// SecretResolver looks up an organization secret by name. Satisfied by
// secrets.Vault.
type SecretResolver interface {
	Resolve(ctx context.Context, orgID, name string) ([]byte, error)
}

// WebhookConfig configures the webhook behavior. Secrets is optional; without
// it any secret_ref or token_ref fails the step.
type WebhookConfig struct {
	Client          *http.Client
	Secrets         SecretResolver
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

// plaintextKeys must never appear in a webhook config, which is stored and
// returned by queries as is.
var plaintextKeys = []string{"secret", "bearer_token"}

// NewWebhook creates the webhook.post behavior. Transport errors and non-2xx
// responses are reported as external_call_failed so they count against the
// behavior type's circuit breaker.
func NewWebhook(cfg WebhookConfig) Behavior {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultWebhookTimeout
	}
	return &webhookPost{config: cfg}
}

type webhookPost struct {
	config WebhookConfig
}

func (b *webhookPost) Type() string { return TypeWebhookPost }

func (b *webhookPost) Schema() BehaviorSchema {
	return BehaviorSchema{
		Description: "POST the execution context (or one data key) as JSON to an external URL and store the response.",
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"required": ["url"],
			"properties": {
				"url": {"type": "string", "minLength": 1},
				"headers": {"type": "object", "additionalProperties": {"type": "string"}},
				"key": {"type": "string"},
				"target": {"type": "string"},
				"secret_ref": {"type": "string", "minLength": 1},
				"token_ref": {"type": "string", "minLength": 1},
				"timeout": {"type": "string"}
			},
			"additionalProperties": false
		}`),
	}
}

func (b *webhookPost) Execute(ctx context.Context, orgID string, config map[string]any, ec *execution.Context) (*execution.Outcome, error) {
	rawURL, _ := config["url"].(string)
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return execution.Fail(schema.FailureValidation, "webhook.post: invalid url %q", rawURL), nil
	}
	for _, k := range plaintextKeys {
		if _, ok := config[k]; ok {
			return execution.Fail(schema.FailureValidation,
				"webhook.post: %q must not be set in config; store it in the vault and use %s_ref", k, refPrefix(k)), nil
		}
	}
	secret, fail := b.resolveRef(ctx, orgID, config, "secret_ref")
	if fail != nil {
		return fail, nil
	}
	token, fail := b.resolveRef(ctx, orgID, config, "token_ref")
	if fail != nil {
		return fail, nil
	}

	var payload any = map[string]any{
		"organization_id": orgID,
		"context":         ec.Vars(),
	}
	if key, _ := config["key"].(string); key != "" {
		v, ok := ec.Get(key)
		if !ok {
			return execution.Fail(schema.FailurePrecondition, "webhook.post: context data has no key %q", key), nil
		}
		payload = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook body: %w", err)
	}

	timeout := b.config.DefaultTimeout
	if ts, _ := config["timeout"].(string); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil && d > 0 {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return execution.Fail(schema.FailureValidation, "webhook.post: %v", err), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if hm, ok := config["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if token != nil {
		req.Header.Set("Authorization", "Bearer "+string(token))
	}
	if secret != nil {
		req.Header.Set(SignatureHeader, Sign(secret, body))
	}

	start := time.Now()
	resp, err := b.config.Client.Do(req)
	if err != nil {
		o := execution.Fail(schema.FailureExternalCall, "webhook.post: request failed: %v", err)
		o.Err = err
		return o, nil
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, b.config.MaxResponseBody))
	if err != nil {
		o := execution.Fail(schema.FailureExternalCall, "webhook.post: read response: %v", err)
		o.Err = err
		return o, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return execution.Fail(schema.FailureExternalCall, "webhook.post: %s returned %d", u.Host, resp.StatusCode), nil
	}

	target, _ := config["target"].(string)
	if target == "" {
		return execution.Ok(fmt.Sprintf("delivered to %s", u.Host), nil), nil
	}
	return execution.Ok(fmt.Sprintf("delivered to %s", u.Host), map[string]any{
		target: map[string]any{
			"status_code": resp.StatusCode,
			"body":        parseBody(resp.Header.Get("Content-Type"), respBytes),
			"duration_ms": time.Since(start).Milliseconds(),
		},
	}), nil
}

// resolveRef reads the vault secret named by config[key]. It returns nil
// bytes when the key is unset and a failed outcome when the name does not
// resolve.
func (b *webhookPost) resolveRef(ctx context.Context, orgID string, config map[string]any, key string) ([]byte, *execution.Outcome) {
	name, _ := config[key].(string)
	if name == "" {
		return nil, nil
	}
	if b.config.Secrets == nil {
		return nil, execution.Fail(schema.FailurePrecondition, "webhook.post: %s %q set but no secret vault is configured", key, name)
	}
	v, err := b.config.Secrets.Resolve(ctx, orgID, name)
	if err != nil {
		o := execution.Fail(schema.FailurePrecondition, "webhook.post: %s %q does not resolve", key, name)
		o.Err = err
		return nil, o
	}
	return v, nil
}

func refPrefix(plaintextKey string) string {
	if plaintextKey == "bearer_token" {
		return "token"
	}
	return plaintextKey
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseBody(contentType string, b []byte) any {
	if len(b) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			return v
		}
	}
	return string(b)
}

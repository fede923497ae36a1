package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const registryContentType = "application/vnd.schemaregistry.v1+json"

// RegistryError is a non-2xx answer from the schema registry.
type RegistryError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("schema registry %s %s: %d %s", e.Method, e.Path, e.Status, e.Body)
}

// SchemaRegistryClient resolves JSON schema ids against a Confluent-compatible registry.
type SchemaRegistryClient struct {
	base   *url.URL
	client *http.Client
}

// NewSchemaRegistryClient targets baseURL with a ten second request timeout.
func NewSchemaRegistryClient(baseURL string) *SchemaRegistryClient {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		base = &url.URL{Path: baseURL}
	}
	return &SchemaRegistryClient{base: base, client: &http.Client{Timeout: 10 * time.Second}}
}

// EnsureSchema returns the id of the latest version under subject, registering schema first
// when the subject does not exist yet.
func (c *SchemaRegistryClient) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	id, err := c.call(ctx, http.MethodGet, subject, "versions", "latest", nil)
	var regErr *RegistryError
	if errors.As(err, &regErr) && regErr.Status == http.StatusNotFound {
		body, _ := json.Marshal(struct {
			SchemaType string `json:"schemaType"`
			Schema     string `json:"schema"`
		}{"JSON", schema})
		return c.call(ctx, http.MethodPost, subject, "versions", "", body)
	}
	return id, err
}

func (c *SchemaRegistryClient) call(ctx context.Context, method, subject, collection, item string, body []byte) (int, error) {
	target := c.base.JoinPath("subjects", subject, collection)
	if item != "" {
		target = target.JoinPath(item)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", registryContentType)
	}
	req.Header.Set("Accept", registryContentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("schema registry %s %s: %w", method, target.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &RegistryError{Method: method, Path: target.Path, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var out struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode schema registry response: %w", err)
	}
	return out.ID, nil
}

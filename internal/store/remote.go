package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// RemoteBinding implements Binding against the hosted data service. Every call is a
// single JSON POST carrying the operation name plus tenant and namespace.
type RemoteBinding struct {
	url       string
	apiKey    string
	tenantID  string
	namespace string
	client    *http.Client
}

// NewRemoteBinding creates a new RemoteBinding.
func NewRemoteBinding(url, apiKey, tenantID, namespace string, timeout time.Duration) *RemoteBinding {
	if namespace == "" {
		namespace = "default"
	}
	return &RemoteBinding{
		url:       url,
		apiKey:    apiKey,
		tenantID:  tenantID,
		namespace: namespace,
		client:    &http.Client{Timeout: timeout},
	}
}

// TenantID is the tenant every request is scoped to.
func (c *RemoteBinding) TenantID() string { return c.tenantID }

// Namespace is the namespace every request is scoped to.
func (c *RemoteBinding) Namespace() string { return c.namespace }

type remoteRequest struct {
	Operation string   `json:"operation"`
	TenantID  string   `json:"tenant_id"`
	Namespace string   `json:"namespace"`
	Table     string   `json:"table,omitempty"`
	Filters   []Filter `json:"filters,omitempty"`
	Sort      []Sort   `json:"sort,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Offset    int      `json:"offset,omitempty"`
	Records   []Record `json:"records,omitempty"`
	Updates   Record   `json:"updates,omitempty"`
	// SkipVersioning lets the service bypass its version window on plain reads.
	SkipVersioning bool `json:"skip_versioning,omitempty"`
}

type remoteResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Records         []Record     `json:"records"`
		RecordsAffected *int64       `json:"records_affected"`
		Tables          []string     `json:"tables"`
		Schema          *TableSchema `json:"schema"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *RemoteBinding) Query(ctx context.Context, table string, q Query) (*QueryResult, error) {
	resp, err := c.call(ctx, remoteRequest{
		Operation:      "QUERY",
		Table:          table,
		Filters:        q.Filters,
		Sort:           q.Sort,
		Limit:          normalizeLimit(q.Limit),
		Offset:         q.Offset,
		SkipVersioning: true,
	})
	if err != nil {
		return nil, err
	}
	records := resp.Data.Records
	if records == nil {
		records = []Record{}
	}
	return &QueryResult{Records: records}, nil
}

func (c *RemoteBinding) Write(ctx context.Context, table string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := c.call(ctx, remoteRequest{Operation: "WRITE", Table: table, Records: records})
	return err
}

func (c *RemoteBinding) Update(ctx context.Context, table string, filters []Filter, updates Record) (int64, error) {
	resp, err := c.call(ctx, remoteRequest{Operation: "UPDATE", Table: table, Filters: filters, Updates: updates})
	if err != nil {
		return 0, err
	}
	if resp.Data.RecordsAffected == nil {
		return 0, fmt.Errorf("update %s: %w: response missing records_affected", table, ErrRemoteStore)
	}
	return *resp.Data.RecordsAffected, nil
}

func (c *RemoteBinding) Delete(ctx context.Context, table string, filters []Filter) (int64, error) {
	if len(filters) == 0 {
		return 0, fmt.Errorf("delete %s: %w: refusing unfiltered delete", table, ErrRejected)
	}
	resp, err := c.call(ctx, remoteRequest{Operation: "DELETE", Table: table, Filters: filters})
	if err != nil {
		return 0, err
	}
	if resp.Data.RecordsAffected == nil {
		return 0, nil
	}
	return *resp.Data.RecordsAffected, nil
}

func (c *RemoteBinding) ListTables(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, remoteRequest{Operation: "LIST_TABLES"})
	if err != nil {
		return nil, err
	}
	return resp.Data.Tables, nil
}

func (c *RemoteBinding) DescribeTable(ctx context.Context, table string) (*TableSchema, error) {
	resp, err := c.call(ctx, remoteRequest{Operation: "DESCRIBE_TABLE", Table: table})
	if err != nil {
		return nil, err
	}
	if resp.Data.Schema == nil {
		return nil, ErrNotFound
	}
	return resp.Data.Schema, nil
}

func (c *RemoteBinding) Ping(ctx context.Context) error {
	_, err := c.ListTables(ctx)
	return err
}

func (c *RemoteBinding) call(ctx context.Context, req remoteRequest) (*remoteResponse, error) {
	req.TenantID = c.tenantID
	req.Namespace = c.namespace

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", req.Operation, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyError(err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: %s status %d", ErrUnavailable, req.Operation, resp.StatusCode)
	}

	var out remoteResponse
	if err := json.Unmarshal(sanitizeJSON(raw), &out); err != nil {
		return nil, fmt.Errorf("%w: decoding %s response: %v", ErrRemoteStore, req.Operation, err)
	}

	if resp.StatusCode != http.StatusOK || !out.Success {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		if out.Error != nil && out.Error.Code == "NOT_FOUND" {
			return nil, fmt.Errorf("%s %s: %w", req.Operation, req.Table, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %s %s: %s", ErrRejected, req.Operation, req.Table, msg)
	}
	return &out, nil
}

// sanitizeJSON replaces the NaN and "NaT" tokens the service emits for null numerics
// and timestamps, neither of which is valid JSON. Only whole tokens outside
// string contents are replaced.
func sanitizeJSON(b []byte) []byte {
	if !bytes.Contains(b, []byte("NaN")) && !bytes.Contains(b, []byte(`"NaT"`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); {
		switch {
		case b[i] == '"':
			end := stringEnd(b, i)
			if string(b[i:end]) == `"NaT"` {
				out = append(out, "null"...)
			} else {
				out = append(out, b[i:end]...)
			}
			i = end
		case bytes.HasPrefix(b[i:], []byte("NaN")) && !isWordByte(b, i-1) && !isWordByte(b, i+3):
			out = append(out, "null"...)
			i += 3
		default:
			out = append(out, b[i])
			i++
		}
	}
	return out
}

// stringEnd returns the index just past the string literal opening at start.
func stringEnd(b []byte, start int) int {
	for i := start + 1; i < len(b); i++ {
		switch b[i] {
		case '\\':
			i++
		case '"':
			return i + 1
		}
	}
	return len(b)
}

func isWordByte(b []byte, i int) bool {
	if i < 0 || i >= len(b) {
		return false
	}
	c := b[i]
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Compile-time check that RemoteBinding implements Binding.
var _ Binding = (*RemoteBinding)(nil)

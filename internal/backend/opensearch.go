package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ErrVersionConflict is returned when an op_type=create or an if_seq_no
// guarded write loses against the current document version (HTTP 409).
var ErrVersionConflict = errors.New("version conflict")

// ErrIndexMissing is returned when the target index does not exist.
var ErrIndexMissing = errors.New("index does not exist")

// OpenSearch is a minimal document client for the indices kbsync keeps in
// OpenSearch: lock objects and status history.
type OpenSearch struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// NewOpenSearch creates a new OpenSearch document client.
// If httpClient is nil, a default client is used.
func NewOpenSearch(baseURL, username, password string, httpClient *http.Client) *OpenSearch {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenSearch{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   httpClient,
	}
}

// Document is a stored document together with its concurrency-control version.
type Document struct {
	Source      json.RawMessage
	SeqNo       int64
	PrimaryTerm int64
}

type writeResult struct {
	SeqNo       int64 `json:"_seq_no"`
	PrimaryTerm int64 `json:"_primary_term"`
}

// Get retrieves a document by ID. Returns nil if it does not exist.
func (o *OpenSearch) Get(ctx context.Context, index, id string) (*Document, error) {
	u := o.docURL(index, id, nil)
	status, body, err := o.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("getting %s/%s: %w", index, id, err)
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status >= 400 {
		return nil, &HTTPStatusError{StatusCode: status, URL: u, Body: string(body)}
	}

	var result struct {
		Found       bool            `json:"found"`
		Source      json.RawMessage `json:"_source"`
		SeqNo       int64           `json:"_seq_no"`
		PrimaryTerm int64           `json:"_primary_term"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parsing get response: %w", err)
	}
	if !result.Found {
		return nil, nil
	}
	return &Document{Source: result.Source, SeqNo: result.SeqNo, PrimaryTerm: result.PrimaryTerm}, nil
}

// Create atomically creates a document using op_type=create. It returns
// ErrVersionConflict if the document already exists and ErrIndexMissing if
// the index has not been created yet.
func (o *OpenSearch) Create(ctx context.Context, index, id string, doc any) (*Document, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling doc: %w", err)
	}

	u := o.docURL(index, id, url.Values{"op_type": {"create"}, "refresh": {"true"}})
	status, body, err := o.do(ctx, http.MethodPut, u, payload)
	if err != nil {
		return nil, fmt.Errorf("creating %s/%s: %w", index, id, err)
	}

	switch {
	case status == http.StatusConflict:
		return nil, ErrVersionConflict
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrIndexMissing, index)
	case status >= 400:
		return nil, &HTTPStatusError{StatusCode: status, URL: u, Body: string(body)}
	}

	var wr writeResult
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("parsing create response: %w", err)
	}
	return &Document{Source: payload, SeqNo: wr.SeqNo, PrimaryTerm: wr.PrimaryTerm}, nil
}

// Put writes a document by ID unconditionally, creating the index on demand.
func (o *OpenSearch) Put(ctx context.Context, index, id string, doc any, mapping string) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling doc: %w", err)
	}

	u := o.docURL(index, id, nil)
	status, body, err := o.do(ctx, http.MethodPut, u, payload)
	if err != nil {
		return fmt.Errorf("putting %s/%s: %w", index, id, err)
	}

	if status == http.StatusNotFound {
		// Index doesn't exist, create it and retry once.
		if err := o.EnsureIndex(ctx, index, mapping); err != nil {
			return err
		}
		status, body, err = o.do(ctx, http.MethodPut, u, payload)
		if err != nil {
			return fmt.Errorf("putting %s/%s: %w", index, id, err)
		}
	}
	if status >= 400 {
		return &HTTPStatusError{StatusCode: status, URL: u, Body: string(body)}
	}
	return nil
}

// DeleteIfVersion deletes a document only if its sequence number and primary
// term still match. Returns ErrVersionConflict on mismatch; a missing document
// is reported as (false, nil).
func (o *OpenSearch) DeleteIfVersion(ctx context.Context, index, id string, seqNo, primaryTerm int64) (bool, error) {
	q := url.Values{
		"if_seq_no":       {fmt.Sprint(seqNo)},
		"if_primary_term": {fmt.Sprint(primaryTerm)},
		"refresh":         {"true"},
	}
	u := o.docURL(index, id, q)
	status, body, err := o.do(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return false, fmt.Errorf("deleting %s/%s: %w", index, id, err)
	}

	switch {
	case status == http.StatusConflict:
		return false, ErrVersionConflict
	case status == http.StatusNotFound:
		return false, nil
	case status >= 400:
		return false, &HTTPStatusError{StatusCode: status, URL: u, Body: string(body)}
	}
	return true, nil
}

// EnsureIndex creates the index if it doesn't exist. An empty body creates a
// single-shard index with default mappings.
func (o *OpenSearch) EnsureIndex(ctx context.Context, index, body string) error {
	if body == "" {
		body = `{"settings":{"number_of_shards":1,"number_of_replicas":1}}`
	}
	u := fmt.Sprintf("%s/%s", o.baseURL, index)
	status, respBody, err := o.do(ctx, http.MethodPut, u, []byte(body))
	if err != nil {
		return fmt.Errorf("creating index %s: %w", index, err)
	}

	// Another instance may have created it concurrently.
	if status == http.StatusBadRequest && bytes.Contains(respBody, []byte("resource_already_exists_exception")) {
		return nil
	}
	if status >= 400 {
		return &HTTPStatusError{StatusCode: status, URL: u, Body: string(respBody)}
	}
	return nil
}

func (o *OpenSearch) docURL(index, id string, q url.Values) string {
	u := fmt.Sprintf("%s/%s/_doc/%s", o.baseURL, index, url.PathEscape(id))
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (o *OpenSearch) do(ctx context.Context, method, u string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.username != "" {
		req.SetBasicAuth(o.username, o.password)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

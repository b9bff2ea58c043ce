package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	defaultBaseURL = "http://localhost:8009"
	defaultTopK    = 5
	defaultListEnd = 100
	maxErrorBody   = 64 << 10
)

// Client talks to the conversational backend. It never retries; each call is
// a single request/response.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	topK       int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets a per-request timeout. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithTopK sets the default top_k sent on RAG turns.
func WithTopK(k int) Option {
	return func(c *Client) {
		if k > 0 {
			c.topK = k
		}
	}
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		topK:       defaultTopK,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the backend root the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SubmitDocument uploads a text document.
func (c *Client) SubmitDocument(ctx context.Context, doc DocumentUpload) (InsertResult, error) {
	payload := insertPayload{
		Metadata: DocumentMetadata{
			Describe: doc.Description,
			FileName: doc.FileName,
			FileSize: sizeString(doc.FileSize),
		},
		Content: doc.Content,
	}

	var res InsertResult
	if err := c.do(ctx, http.MethodPost, "/insert_document", payload, &res); err != nil {
		return InsertResult{}, err
	}
	return res, nil
}

// RAGChat sends a retrieval-augmented chat turn.
func (c *Client) RAGChat(ctx context.Context, req RAGRequest) (Reply, error) {
	var res Reply
	if err := c.do(ctx, http.MethodPost, "/rag_chat", c.buildRAGPayload(req), &res); err != nil {
		return Reply{}, err
	}
	return res, nil
}

// buildRAGPayload applies the request hygiene rules: only valid file ids,
// session_id only when it is a valid id, file_ids only when non-empty.
func (c *Client) buildRAGPayload(req RAGRequest) ragPayload {
	p := ragPayload{
		Message: req.Message,
		TopK:    req.TopK,
	}
	if p.TopK <= 0 {
		p.TopK = c.topK
	}
	if req.SessionID != nil && IsValidID(*req.SessionID) {
		p.SessionID = strings.TrimSpace(*req.SessionID)
	}
	if ids := FilterIDs(req.FileIDs); len(ids) > 0 {
		p.FileIDs = ids
	}
	return p
}

// Chat sends a plain chat turn.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (Reply, error) {
	p := chatPayload{Message: req.Message}
	if req.SessionID != nil {
		p.SessionID = *req.SessionID
	}

	var res Reply
	if err := c.do(ctx, http.MethodPost, "/chat", p, &res); err != nil {
		return Reply{}, err
	}
	return res, nil
}

// ListDocuments returns stored document records for an index range.
func (c *Client) ListDocuments(ctx context.Context, opts ListOptions) ([]DocumentInfo, error) {
	end := opts.End
	if end <= 0 {
		end = defaultListEnd
	}
	q := url.Values{}
	q.Set("start_index", strconv.Itoa(opts.Start))
	q.Set("end_index", strconv.Itoa(end))
	q.Set("get_content", strconv.FormatBool(opts.IncludeContent))

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/get_doc_infor?"+q.Encode(), nil, &raw); err != nil {
		return nil, err
	}
	return decodeDocumentList(raw)
}

// decodeDocumentList accepts a bare JSON array or an object wrapping one
// under "documents" or "data".
func decodeDocumentList(raw json.RawMessage) ([]DocumentInfo, error) {
	var docs []DocumentInfo
	if err := json.Unmarshal(raw, &docs); err == nil {
		if docs == nil {
			docs = []DocumentInfo{}
		}
		return docs, nil
	}

	var wrapped struct {
		Documents []DocumentInfo `json:"documents"`
		Data      []DocumentInfo `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decoding document list: %w", err)
	}
	switch {
	case wrapped.Documents != nil:
		return wrapped.Documents, nil
	case wrapped.Data != nil:
		return wrapped.Data, nil
	}
	return []DocumentInfo{}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return newRequestError(resp.StatusCode, respBody)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// IsValidID reports whether s is a usable backend identifier: a non-empty
// token after trimming, with no inner whitespace or control characters.
func IsValidID(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// FilterIDs trims ids and drops empty, malformed and duplicate entries,
// keeping the first occurrence order.
func FilterIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if !IsValidID(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

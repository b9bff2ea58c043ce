package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const maxRequestBodySize = 10 << 20 // 10MB

const defaultTopK = 5

// Backend is an in-memory stand-in for the RAG service. It speaks the same
// four endpoints the gateway calls and answers with naive keyword retrieval,
// which is enough to exercise the client end to end during development.
type Backend struct {
	mu       sync.Mutex
	docs     map[string]*storedDoc
	order    []string
	sessions map[string][]string
	now      func() time.Time
}

type storedDoc struct {
	ID       string      `json:"doc_id"`
	Metadata docMetadata `json:"metadata"`
	Content  string      `json:"content,omitempty"`
	Created  time.Time   `json:"created_at"`
}

type docMetadata struct {
	Describe string `json:"describe"`
	FileName string `json:"file_name"`
	FileSize string `json:"file_size"`
}

type insertRequest struct {
	Metadata docMetadata `json:"metadata"`
	Content  string      `json:"content"`
}

type ragChatRequest struct {
	Message   string   `json:"message"`
	TopK      int      `json:"top_k"`
	SessionID string   `json:"session_id"`
	FileIDs   []string `json:"file_ids"`
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// NewBackend returns an empty stand-in backend.
func NewBackend() *Backend {
	return &Backend{
		docs:     make(map[string]*storedDoc),
		sessions: make(map[string][]string),
		now:      time.Now,
	}
}

// Handler returns the chi router serving the backend endpoints.
func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Post("/insert_document", b.handleInsert)
	r.Post("/rag_chat", b.handleRAGChat)
	r.Post("/chat", b.handleChat)
	r.Get("/get_doc_infor", b.handleListDocs)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("backend request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func (b *Backend) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		httpDetail(w, http.StatusUnprocessableEntity, "content must not be empty")
		return
	}
	if req.Metadata.FileSize != "" {
		if _, err := strconv.ParseInt(req.Metadata.FileSize, 10, 64); err != nil {
			httpDetail(w, http.StatusUnprocessableEntity, "metadata.file_size must be a decimal string")
			return
		}
	}

	doc := &storedDoc{
		ID:       uuid.NewString(),
		Metadata: req.Metadata,
		Content:  req.Content,
		Created:  b.now().UTC(),
	}

	b.mu.Lock()
	b.docs[doc.ID] = doc
	b.order = append(b.order, doc.ID)
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"doc_id":  doc.ID,
		"message": fmt.Sprintf("Document %s inserted", displayName(doc)),
	})
}

func (b *Backend) handleRAGChat(w http.ResponseWriter, r *http.Request) {
	var req ragChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		httpDetail(w, http.StatusUnprocessableEntity, "message must not be empty")
		return
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pool, missing := b.lookup(req.FileIDs)
	if len(missing) > 0 {
		httpDetail(w, http.StatusNotFound, fmt.Sprintf("unknown file ids: %s", strings.Join(missing, ", ")))
		return
	}

	hits := retrieve(pool, req.Message, req.TopK)
	var sb strings.Builder
	if len(hits) == 0 {
		sb.WriteString("I could not find anything relevant in the selected documents.")
	} else {
		sb.WriteString("Based on your documents:")
		for _, h := range hits {
			fmt.Fprintf(&sb, "\n- %s (%s)", h.text, h.source)
		}
	}

	sid := b.session(req.SessionID, req.Message)
	writeJSON(w, http.StatusOK, chatResponse{Message: sb.String(), SessionID: sid})
}

func (b *Backend) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		httpDetail(w, http.StatusUnprocessableEntity, "message must not be empty")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sid := b.session(req.SessionID, req.Message)
	turns := len(b.sessions[sid])
	writeJSON(w, http.StatusOK, chatResponse{
		Message:   fmt.Sprintf("You said: %s (message %d in this conversation)", req.Message, turns),
		SessionID: sid,
	})
}

func (b *Backend) handleListDocs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := queryInt(q.Get("start_index"), 0)
	if err != nil || start < 0 {
		httpDetail(w, http.StatusUnprocessableEntity, "start_index must be a non-negative integer")
		return
	}
	end, err := queryInt(q.Get("end_index"), 100)
	if err != nil || end < start {
		httpDetail(w, http.StatusUnprocessableEntity, "end_index must be an integer not below start_index")
		return
	}
	withContent := q.Get("get_content") == "true"

	b.mu.Lock()
	defer b.mu.Unlock()

	if end > len(b.order) {
		end = len(b.order)
	}
	if start > end {
		start = end
	}
	out := make([]storedDoc, 0, end-start)
	for _, id := range b.order[start:end] {
		d := *b.docs[id]
		if !withContent {
			d.Content = ""
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, out)
}

// lookup returns the documents to search. An empty id list means all
// documents. Callers hold b.mu.
func (b *Backend) lookup(ids []string) ([]*storedDoc, []string) {
	if len(ids) == 0 {
		pool := make([]*storedDoc, 0, len(b.order))
		for _, id := range b.order {
			pool = append(pool, b.docs[id])
		}
		return pool, nil
	}
	var pool []*storedDoc
	var missing []string
	for _, id := range ids {
		if d, ok := b.docs[id]; ok {
			pool = append(pool, d)
		} else {
			missing = append(missing, id)
		}
	}
	return pool, missing
}

// session returns the conversation for id, starting a new one when id is
// empty or unknown, and records message on it. Callers hold b.mu.
func (b *Backend) session(id, message string) string {
	if _, ok := b.sessions[id]; !ok || id == "" {
		id = uuid.NewString()
	}
	b.sessions[id] = append(b.sessions[id], message)
	return id
}

type hit struct {
	text   string
	source string
	score  int
}

// retrieve ranks the non-empty lines of the pool by how many query terms
// they contain and returns the best topK with at least one match.
func retrieve(pool []*storedDoc, query string, topK int) []hit {
	terms := strings.Fields(strings.ToLower(query))
	var hits []hit
	for _, d := range pool {
		for _, line := range strings.Split(d.Content, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			lower := strings.ToLower(line)
			score := 0
			for _, t := range terms {
				if len(t) > 2 && strings.Contains(lower, t) {
					score++
				}
			}
			if score > 0 {
				hits = append(hits, hit{text: line, source: displayName(d), score: score})
			}
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func displayName(d *storedDoc) string {
	if d.Metadata.FileName != "" {
		return d.Metadata.FileName
	}
	return d.ID
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// httpDetail writes an error body in the {"detail": ...} shape the gateway
// decodes.
func httpDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

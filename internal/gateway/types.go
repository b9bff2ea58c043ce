package gateway

import (
	"encoding/json"
	"strconv"
)

// DocumentUpload is the input to SubmitDocument.
type DocumentUpload struct {
	Content     string
	Description string
	FileName    string
	FileSize    int64
}

// InsertResult is the backend's acknowledgement of an uploaded document.
type InsertResult struct {
	DocID   string `json:"doc_id"`
	Message string `json:"message"`
}

// RAGRequest is a retrieval-augmented chat turn. A nil SessionID starts a
// new server conversation.
type RAGRequest struct {
	Message   string
	SessionID *string
	FileIDs   []string
	TopK      int
}

// ChatRequest is a plain chat turn.
type ChatRequest struct {
	Message   string
	SessionID *string
}

// Reply is the backend's answer to a chat turn. SessionID is empty when the
// backend did not issue one.
type Reply struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ListOptions selects an index range of stored documents.
type ListOptions struct {
	Start          int
	End            int
	IncludeContent bool
}

// DocumentInfo is one record returned by ListDocuments. Only the commonly
// returned fields are modeled; Raw keeps the record as sent.
type DocumentInfo struct {
	DocID    string           `json:"doc_id"`
	Content  string           `json:"content,omitempty"`
	Metadata DocumentMetadata `json:"metadata"`
	Raw      json.RawMessage  `json:"-"`
}

// DocumentMetadata mirrors the metadata object sent on upload.
type DocumentMetadata struct {
	Describe string     `json:"describe"`
	FileName string     `json:"file_name"`
	FileSize flexString `json:"file_size"`
}

// UnmarshalJSON keeps a copy of the record alongside the decoded fields.
func (d *DocumentInfo) UnmarshalJSON(data []byte) error {
	type plain DocumentInfo
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*d = DocumentInfo(p)
	d.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// flexString accepts either a JSON string or a JSON number and always
// encodes as a string. The backend takes file_size as a string but has been
// seen returning it as a number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func sizeString(n int64) flexString {
	return flexString(strconv.FormatInt(n, 10))
}

// wire payloads

type insertPayload struct {
	Metadata DocumentMetadata `json:"metadata"`
	Content  string           `json:"content"`
}

type ragPayload struct {
	Message   string   `json:"message"`
	TopK      int      `json:"top_k"`
	SessionID string   `json:"session_id,omitempty"`
	FileIDs   []string `json:"file_ids,omitempty"`
}

type chatPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

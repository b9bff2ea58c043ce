package documents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docchat/internal/gateway"
)

const maxConcurrentUploads = 4

var validate = validator.New()

// Submitter is the slice of the backend gateway the uploader needs.
type Submitter interface {
	SubmitDocument(ctx context.Context, doc gateway.DocumentUpload) (gateway.InsertResult, error)
}

// ValidationError reports input that was rejected before any request was made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// UploadInput is a file that passed validation and is ready to submit.
type UploadInput struct {
	Name        string `validate:"required"`
	Description string `validate:"required"`
	Content     string
	Size        int64  `validate:"gte=0"`
	MIME        string `validate:"required,startswith=text/plain"`
}

// Validate checks the input against its field rules.
func (in UploadInput) Validate() error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	e := verrs[0]
	switch {
	case e.Field() == "Description":
		return &ValidationError{Field: "description", Reason: "a description is required"}
	case e.Field() == "MIME":
		return &ValidationError{Field: "file", Reason: "only plain text (.txt) files are accepted"}
	case e.Tag() == "required":
		return &ValidationError{Field: strings.ToLower(e.Field()), Reason: "is required"}
	default:
		return &ValidationError{Field: strings.ToLower(e.Field()), Reason: "failed " + e.Tag()}
	}
}

// PrepareFile reads and validates a local file for upload.
func PrepareFile(path, description string) (UploadInput, error) {
	if strings.TrimSpace(path) == "" {
		return UploadInput{}, &ValidationError{Field: "file", Reason: "please choose a file"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return UploadInput{}, &ValidationError{Field: "file", Reason: fmt.Sprintf("%s does not exist", path)}
		}
		return UploadInput{}, fmt.Errorf("inspecting %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return UploadInput{}, &ValidationError{Field: "file", Reason: fmt.Sprintf("%s is not a regular file", path)}
	}
	if !strings.EqualFold(filepath.Ext(path), ".txt") {
		return UploadInput{}, &ValidationError{Field: "file", Reason: "only plain text (.txt) files are accepted"}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return UploadInput{}, fmt.Errorf("reading %s: %w", path, err)
	}

	in := UploadInput{
		Name:        filepath.Base(path),
		Description: strings.TrimSpace(description),
		Content:     string(data),
		Size:        info.Size(),
		MIME:        mimetype.Detect(data).String(),
	}
	if err := in.Validate(); err != nil {
		return UploadInput{}, err
	}
	return in, nil
}

// Uploader submits documents to the backend and records them in a Selection.
type Uploader struct {
	gw  Submitter
	sel *Selection
	now func() time.Time
}

// NewUploader creates an Uploader.
func NewUploader(gw Submitter, sel *Selection) *Uploader {
	return &Uploader{gw: gw, sel: sel, now: time.Now}
}

// Upload submits one validated input. On success the new document is at the
// head of the history and selected.
func (u *Uploader) Upload(ctx context.Context, in UploadInput) (Document, string, error) {
	doc, msg, err := u.submit(ctx, in)
	if err != nil {
		return Document{}, "", err
	}
	u.sel.RecordUpload(doc)
	return doc, msg, nil
}

func (u *Uploader) submit(ctx context.Context, in UploadInput) (Document, string, error) {
	if err := in.Validate(); err != nil {
		return Document{}, "", err
	}
	res, err := u.gw.SubmitDocument(ctx, gateway.DocumentUpload{
		Content:     in.Content,
		Description: in.Description,
		FileName:    in.Name,
		FileSize:    in.Size,
	})
	if err != nil {
		return Document{}, "", fmt.Errorf("uploading %s: %w", in.Name, err)
	}
	if strings.TrimSpace(res.DocID) == "" {
		return Document{}, "", fmt.Errorf("uploading %s: backend returned no doc_id", in.Name)
	}
	return Document{
		ID:          res.DocID,
		Name:        in.Name,
		Description: in.Description,
		UploadedAt:  u.now(),
	}, res.Message, nil
}

// UploadResult is the outcome for one file of UploadAll.
type UploadResult struct {
	Input   UploadInput
	Doc     Document
	Message string
	Err     error
}

// UploadAll submits inputs concurrently and records the successful ones in
// input order, so the last input ends up at the head of the history. A
// failure for one file does not stop the others.
func (u *Uploader) UploadAll(ctx context.Context, inputs []UploadInput) []UploadResult {
	results := make([]UploadResult, len(inputs))

	var g errgroup.Group
	g.SetLimit(maxConcurrentUploads)
	for i, in := range inputs {
		results[i].Input = in
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			doc, msg, err := u.submit(ctx, in)
			results[i].Doc, results[i].Message, results[i].Err = doc, msg, err
			return nil
		})
	}
	g.Wait()

	for _, r := range results {
		if r.Err == nil {
			u.sel.RecordUpload(r.Doc)
		}
	}
	return results
}

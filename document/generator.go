package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"agreementflow/agreement"
)

const (
	// MimePDF is the only content type accepted from the renderer.
	MimePDF = "application/pdf"
	// DefaultTemplate is the report used for learning agreement contracts.
	DefaultTemplate = "learning_agreement.contract"

	resModel = "learning_agreement"
)

var (
	// ErrEmptyDocument signals the renderer returned no content.
	ErrEmptyDocument = errors.New("document: renderer returned an empty document")
	// ErrNotPDF signals the renderer returned something other than a PDF.
	ErrNotPDF = errors.New("document: renderer did not return a PDF")
)

// Renderer produces document bytes for a record.
type Renderer interface {
	RenderToPDF(ctx context.Context, templateRef string, recordID int64) ([]byte, string, error)
}

// AttachmentStore persists attachments inside the caller's transaction.
type AttachmentStore interface {
	Create(ctx context.Context, tx pgx.Tx, a Attachment) error
	Replace(ctx context.Context, tx pgx.Tx, a Attachment) error
	Get(ctx context.Context, id string) (Attachment, error)
}

// Generator renders agreement contracts and keeps one current attachment per
// agreement.
type Generator struct {
	renderer    Renderer
	attachments AttachmentStore
	template    string
	newID       func() string
}

func NewGenerator(renderer Renderer, attachments AttachmentStore, template string) *Generator {
	if template == "" {
		template = DefaultTemplate
	}
	return &Generator{
		renderer:    renderer,
		attachments: attachments,
		template:    template,
		newID:       uuid.NewString,
	}
}

// Render calls the renderer and checks the output is a non-empty PDF.
func (g *Generator) Render(ctx context.Context, ag agreement.Agreement) (agreement.Document, error) {
	content, contentType, err := g.renderer.RenderToPDF(ctx, g.template, ag.ID)
	if err != nil {
		return agreement.Document{}, err
	}
	if len(content) == 0 {
		return agreement.Document{}, ErrEmptyDocument
	}
	if !isPDF(content, contentType) {
		return agreement.Document{}, fmt.Errorf("%w: content type %q", ErrNotPDF, contentType)
	}
	return agreement.Document{
		Name:     FileName(ag),
		MimeType: MimePDF,
		Content:  content,
	}, nil
}

// Save stores doc as the agreement's contract. An existing attachment is
// overwritten in place so the agreement keeps a single current contract.
func (g *Generator) Save(ctx context.Context, tx pgx.Tx, ag agreement.Agreement, doc agreement.Document) (string, error) {
	a := Attachment{
		Name:     doc.Name,
		MimeType: doc.MimeType,
		ResModel: resModel,
		ResID:    ag.ID,
		Content:  doc.Content,
	}

	if ag.HasDocument() {
		a.ID = *ag.ContractAttachmentID
		err := g.attachments.Replace(ctx, tx, a)
		if err == nil {
			return a.ID, nil
		}
		if !errors.Is(err, ErrAttachmentNotFound) {
			return "", err
		}
	}

	a.ID = g.newID()
	if err := g.attachments.Create(ctx, tx, a); err != nil {
		return "", err
	}
	return a.ID, nil
}

// Load reads a stored contract. Attachments owned by anything other than a
// learning agreement are reported as missing.
func (g *Generator) Load(ctx context.Context, attachmentID string) (agreement.Document, error) {
	a, err := g.attachments.Get(ctx, attachmentID)
	if err != nil {
		return agreement.Document{}, err
	}
	if a.ResModel != resModel {
		return agreement.Document{}, ErrAttachmentNotFound
	}
	return agreement.Document{
		Name:     a.Name,
		MimeType: a.MimeType,
		Content:  a.Content,
	}, nil
}

// FileName is the attachment name of an agreement contract.
func FileName(ag agreement.Agreement) string {
	return ag.Reference + "_Learning_Agreement.pdf"
}

func isPDF(content []byte, contentType string) bool {
	if contentType != "" {
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && mediaType == MimePDF {
			return true
		}
	}
	return bytes.HasPrefix(content, []byte("%PDF-"))
}

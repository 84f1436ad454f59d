// Package certificate renders settlement receipts after a claim finalizes.
// Rendering is a downstream side effect, never on the claim critical path.
package certificate

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/sealpost/sealpost/internal/document"
)

// Renderer produces the printable receipt for a finalized claim.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses the receipt template.
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.New("certificate").Parse(certificateTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse certificate template: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

type certificateData struct {
	Identity    string
	Title       string
	Fingerprint string
	Reference   string
	CreatedAt   string
	SignedAt    string
	ReadAt      string
	ProjectName string
	AuthorName  string
	Anchor      bool
}

// Render produces the receipt document for a finalized metadata snapshot.
func (r *Renderer) Render(identity string, snapshot document.Metadata) ([]byte, error) {
	if !snapshot.Claimed() {
		return nil, fmt.Errorf("certificate requires a finalized claim")
	}

	title := "Certificate of Delivery"
	if snapshot.Kind == document.KindAnchor {
		title = "Certificate of Authorship"
	}
	data := certificateData{
		Identity:    identity,
		Title:       title,
		Fingerprint: snapshot.ContentFingerprint,
		Reference:   snapshot.SettlementReference,
		CreatedAt:   snapshot.CreatedAt.Format(time.RFC3339),
		ProjectName: snapshot.ProjectName,
		AuthorName:  snapshot.AuthorName,
		Anchor:      snapshot.Kind == document.KindAnchor,
	}
	if snapshot.SignedAt != nil {
		data.SignedAt = snapshot.SignedAt.Format(time.RFC3339)
	}
	if snapshot.ReadAt != nil {
		data.ReadAt = snapshot.ReadAt.Format(time.RFC3339)
	}

	var out bytes.Buffer
	if err := r.tmpl.Execute(&out, data); err != nil {
		return nil, fmt.Errorf("render certificate: %w", err)
	}
	return out.Bytes(), nil
}

const certificateTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="background: #0a0e27; color: #fff; font-family: sans-serif;">
  <div style="max-width: 800px; margin: 40px auto; padding: 35px 45px; border: 2px solid {{if .Anchor}}#ffd700{{else}}#00f2ff{{end}}; border-radius: 16px;">
    <h2 style="text-align: center; letter-spacing: 4px;">{{.Title}}</h2>
    {{if .ProjectName}}<p style="text-align: center;">{{.ProjectName}}{{if .AuthorName}} by {{.AuthorName}}{{end}}</p>{{end}}
    <dl style="font-size: 13px; line-height: 1.8;">
      <dt style="color: #888; text-transform: uppercase; font-size: 10px;">Identity</dt>
      <dd><code>{{.Identity}}</code></dd>
      <dt style="color: #888; text-transform: uppercase; font-size: 10px;">Content fingerprint</dt>
      <dd><code>{{.Fingerprint}}</code></dd>
      <dt style="color: #888; text-transform: uppercase; font-size: 10px;">Settlement reference</dt>
      <dd><code>{{.Reference}}</code></dd>
      <dt style="color: #888; text-transform: uppercase; font-size: 10px;">Sealed at</dt>
      <dd>{{.CreatedAt}}</dd>
      {{if .SignedAt}}<dt style="color: #888; text-transform: uppercase; font-size: 10px;">Settled at</dt>
      <dd>{{.SignedAt}}</dd>{{end}}
      {{if .ReadAt}}<dt style="color: #888; text-transform: uppercase; font-size: 10px;">First read at</dt>
      <dd>{{.ReadAt}}</dd>{{end}}
    </dl>
    <p style="font-size: 10px; color: #aaa;">The settlement reference above is verifiable on the public ledger. The
    fingerprint commits to the exact sealed content; any alteration produces a
    different fingerprint.</p>
  </div>
</body>
</html>`

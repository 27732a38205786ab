package service

import (
	"bytes"
	"context"
	"html/template"

	"keel/internal/evidence/models"
	"keel/pkg/canonical"
	id "keel/pkg/domain"
	dErrors "keel/pkg/domain-errors"
)

// Format names an export rendering.
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
)

// Export renders one pack. JSON serializes the document with sorted keys
// so repeated exports of the same pack are byte-identical; HTML goes
// through html/template so every free-text field is escaped.
func (s *Service) Export(ctx context.Context, packID id.EvidencePackID, format Format) ([]byte, error) {
	pack, err := s.Get(ctx, packID)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatJSON:
		return s.exportJSON(pack)
	case FormatHTML:
		return s.exportHTML(pack)
	default:
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown export format %q", format)
	}
}

func (s *Service) exportJSON(pack *models.EvidencePack) ([]byte, error) {
	out, err := canonical.Marshal(pack.Document)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to serialize evidence document")
	}
	return out, nil
}

func (s *Service) exportHTML(pack *models.EvidencePack) ([]byte, error) {
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, pack); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to render evidence document")
	}
	return buf.Bytes(), nil
}

var htmlTemplate = template.Must(template.New("evidence").Parse(`<!DOCTYPE html>
<html>
<head><title>Evidence pack {{.ID}}</title></head>
<body>
<h1>{{.Document.Exception.Title}}</h1>
<p>Pack <code>{{.ID}}</code>, content hash <code>{{.ContentHash}}</code>, generated {{.GeneratedAt.UTC.Format "2006-01-02T15:04:05Z"}}.</p>

<h2>Decision</h2>
<dl>
<dt>Decided by</dt><dd>{{.Document.Decision.DecidedBy}}</dd>
<dt>Chosen option</dt><dd>{{.Document.Decision.ChosenOptionID}}</dd>
<dt>Rationale</dt><dd>{{.Document.Decision.Rationale}}</dd>
{{range .Document.Decision.Assumptions}}<dt>Assumption</dt><dd>{{.}}</dd>
{{end}}{{if .Document.Decision.IsHardOverride}}<dt>Hard override approved by</dt><dd>{{.Document.Decision.ApprovedBy}}</dd>
<dt>Approval notes</dt><dd>{{.Document.Decision.ApprovalNotes}}</dd>
{{end}}</dl>

<h2>Exception</h2>
<p>Severity {{.Document.Exception.Severity}}, status {{.Document.Exception.Status}}, fingerprint <code>{{.Document.Exception.Fingerprint}}</code>.</p>
<h3>Options presented</h3>
<ul>
{{range .Document.Exception.Options}}<li><strong>{{.Label}}</strong> ({{.ID}}): {{.Description}}</li>
{{end}}</ul>

<h2>Evaluation</h2>
<p>Result {{.Document.Evaluation.Result}} under policy {{.Document.Policy.Name}} version {{.Document.Policy.VersionNumber}}, input hash <code>{{.Document.Evaluation.InputHash}}</code>.</p>

<h2>Signals</h2>
<ol>
{{range .Document.Signals}}<li>{{.SignalType}} from {{.Source}}, observed {{.ObservedAt.UTC.Format "2006-01-02T15:04:05Z"}}</li>
{{end}}</ol>

<h2>Audit trail</h2>
<ol>
{{range .Document.AuditTrail}}<li>{{.OccurredAt.UTC.Format "2006-01-02T15:04:05Z"}} {{.Kind}} {{.EntityKind}} {{.EntityID}}{{if .Actor}} by {{.Actor}}{{end}}</li>
{{end}}</ol>
</body>
</html>
`))

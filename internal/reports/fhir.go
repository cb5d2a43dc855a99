package reports

import (
	"context"
	"log/slog"
	"sort"

	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/pkg/schema"
)

// EICRFHIRCreator produces a structured-only eICR: a message bundle wrapping
// a document bundle of the gathered resources. It carries no CDA attachment.
type EICRFHIRCreator struct {
	base
}

// NewEICRFHIRCreator creates the structured-only eICR creator.
func NewEICRFHIRCreator(logger *slog.Logger, opts ...Option) *EICRFHIRCreator {
	return &EICRFHIRCreator{base: newBase(logger, opts)}
}

func (c *EICRFHIRCreator) Name() string { return "eicr-fhir" }

// Create returns nil when the working set is empty.
func (c *EICRFHIRCreator) Create(ctx context.Context, pc *processing.Context, in Input) (*Artifact, error) {
	if len(in.Resources) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(in.Resources))
	for id := range in.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	compositionID := c.newID()
	entries := []any{}
	seen := make(map[string]bool)
	var sectionRefs []any
	for _, id := range ids {
		for _, r := range in.Resources[id] {
			if k := r.Key(); k != "" {
				if seen[k] {
					continue
				}
				seen[k] = true
			}
			entries = append(entries, map[string]any{"resource": map[string]any(r)})
			sectionRefs = append(sectionRefs, map[string]any{"reference": r.Reference()})
		}
	}

	composition := schema.Resource{
		"resourceType": "Composition",
		"id":           compositionID,
		"status":       "final",
		"type": map[string]any{
			"coding": []any{map[string]any{"system": "http://loinc.org", "code": "55751-2"}},
		},
		"subject": map[string]any{"reference": "Patient/" + pc.Notification.PatientID},
		"date":    c.now().Format("2006-01-02T15:04:05Z07:00"),
		"title":   "Initial Public Health Case Report - eICR",
		"section": []any{map[string]any{"entry": sectionRefs}},
	}
	document := schema.Resource{
		"resourceType": "Bundle",
		"id":           c.newID(),
		"type":         "document",
		"entry":        append([]any{map[string]any{"resource": map[string]any(composition)}}, entries...),
	}

	header := c.messageHeader(c.newID(), MessageTypeEICRFHIR, "Bundle/"+document.ID())
	return &Artifact{
		Bundle:        c.messageBundle(header, document),
		Profile:       in.Profile,
		RequirementID: in.RequirementID,
	}, nil
}

// RegisterBuiltins registers the eICR creators under their profiles.
func RegisterBuiltins(reg *Registry, logger *slog.Logger, opts ...Option) error {
	if err := reg.Register(NewEICRCDACreator(logger, opts...), ProfileEICRCDA); err != nil {
		return err
	}
	return reg.Register(NewEICRFHIRCreator(logger, opts...), ProfileEICRFHIR)
}

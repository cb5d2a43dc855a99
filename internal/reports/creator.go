// Package reports turns gathered resources into report artifacts. Creators
// are registered by output profile at process start and looked up per
// declared output requirement.
package reports

import (
	"context"
	"encoding/base64"

	"github.com/rendis/karflow/internal/ehr"
	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/pkg/schema"
)

// Input is what a creator receives for one output requirement.
type Input struct {
	Queries       ehr.QueryService
	Resources     map[string][]schema.Resource // working set: non-empty requirements only
	RequirementID string
	Profile       string
	Action        *schema.Action
}

// ReportCreator synthesizes one artifact type. Returning a nil artifact means
// there is nothing to emit for this profile and is not an error.
type ReportCreator interface {
	Name() string
	Create(ctx context.Context, pc *processing.Context, in Input) (*Artifact, error)
}

// Artifact is a generated report: a FHIR message bundle that may carry one or
// more CDA documents through DocumentReference attachments.
type Artifact struct {
	Bundle        schema.Resource
	Profile       string
	RequirementID string
}

// Empty reports whether the artifact carries nothing.
func (a *Artifact) Empty() bool {
	return a == nil || len(a.Bundle) == 0
}

// HasDocument reports whether the bundle carries at least one document attachment.
func (a *Artifact) HasDocument() bool {
	if a.Empty() {
		return false
	}
	for _, dr := range a.DocumentReferences() {
		if _, ok := Attachment(dr); ok {
			return true
		}
	}
	return false
}

// Entries returns the resources in the bundle's entries.
func (a *Artifact) Entries() []schema.Resource {
	if a.Empty() {
		return nil
	}
	list, _ := a.Bundle["entry"].([]any)
	out := make([]schema.Resource, 0, len(list))
	for _, e := range list {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		switch r := entry["resource"].(type) {
		case map[string]any:
			out = append(out, schema.Resource(r))
		case schema.Resource:
			out = append(out, r)
		}
	}
	return out
}

// MessageHeader returns the bundle's MessageHeader, or nil.
func (a *Artifact) MessageHeader() schema.Resource {
	for _, r := range a.Entries() {
		if r.ResourceType() == "MessageHeader" {
			return r
		}
	}
	return nil
}

// DocumentReferences returns every DocumentReference in the bundle.
func (a *Artifact) DocumentReferences() []schema.Resource {
	var out []schema.Resource
	for _, r := range a.Entries() {
		if r.ResourceType() == "DocumentReference" {
			out = append(out, r)
		}
	}
	return out
}

// EventCode returns the MessageHeader's eventCoding.code, or "".
func EventCode(header schema.Resource) string {
	coding, _ := header["eventCoding"].(map[string]any)
	code, _ := coding["code"].(string)
	return code
}

// SubjectID returns the id part of a resource's subject reference.
func SubjectID(r schema.Resource) string {
	subject, _ := r["subject"].(map[string]any)
	ref, _ := subject["reference"].(string)
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' {
			return ref[i+1:]
		}
	}
	return ref
}

// Attachment decodes the first content attachment of a DocumentReference.
func Attachment(docRef schema.Resource) ([]byte, bool) {
	content, _ := docRef["content"].([]any)
	if len(content) == 0 {
		return nil, false
	}
	first, _ := content[0].(map[string]any)
	att, _ := first["attachment"].(map[string]any)
	data, _ := att["data"].(string)
	if data == "" {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, false
	}
	return raw, true
}

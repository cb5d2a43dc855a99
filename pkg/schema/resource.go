package schema

// Resource is a FHIR resource held in its JSON object form.
type Resource map[string]any

// ResourceType returns the resource's "resourceType", or "".
func (r Resource) ResourceType() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the resource's logical "id", or "".
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// Reference returns the relative reference "Type/id".
func (r Resource) Reference() string {
	return r.ResourceType() + "/" + r.ID()
}

// Key identifies a resource for de-duplication inside a working set.
func (r Resource) Key() string {
	if r.ID() == "" {
		return ""
	}
	return r.Reference()
}

// NewResource builds a resource of the given type and id.
func NewResource(resourceType, id string) Resource {
	return Resource{"resourceType": resourceType, "id": id}
}

// Resources converts a slice to its generic form for expression engines.
func Resources(list []Resource) []any {
	out := make([]any, len(list))
	for i, r := range list {
		out[i] = map[string]any(r)
	}
	return out
}

package ehr

import (
	"net/url"
	"sort"
	"strings"

	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/pkg/schema"
)

// TemplateVars returns the placeholder values a query template may reference.
func TemplateVars(pc *processing.Context) map[string]string {
	n := pc.Notification
	vars := map[string]string{
		"patientId":                n.PatientID,
		"notificationResourceId":   n.NotificationResourceID,
		"notificationResourceType": n.NotificationResourceType,
		"karId":                    pc.KAR.ID,
	}
	if n.NotificationResourceType == "Encounter" {
		vars["encounterId"] = n.NotificationResourceID
	}
	if !n.TriggeredAt.IsZero() {
		vars["triggeredAt"] = n.TriggeredAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	return vars
}

// Interpolate replaces {{name}} placeholders with query-escaped values.
// Unclosed, empty, nested and unknown placeholders are errors.
func Interpolate(template string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			b.WriteString(template[i:])
			break
		}
		b.WriteString(template[i : i+idx])
		start := i + idx + 2

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "unclosed {{ in query %q", template)
		}
		end += start

		name := strings.TrimSpace(template[start:end])
		if strings.Contains(name, "{{") {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "nested placeholder in query %q", template)
		}
		if name == "" {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "empty placeholder in query %q", template)
		}
		val, ok := vars[name]
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown placeholder %q in query %q", name, template).
				WithDetails(map[string]any{"available": varNames(vars)})
		}
		b.WriteString(url.QueryEscape(val))
		i = end + 2
	}
	return b.String(), nil
}

func varNames(vars map[string]string) []string {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

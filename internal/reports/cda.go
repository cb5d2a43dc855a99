package reports

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/karflow/internal/logging"
	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/pkg/schema"
)

// Output profiles served by the built-in creators.
const (
	ProfileEICRCDA  = "http://hl7.org/fhir/us/medmorph/StructureDefinition/us-ph-reporting-bundle-eicr-cda"
	ProfileEICRFHIR = "http://hl7.org/fhir/us/ecr/StructureDefinition/eicr-document-bundle"
)

// Message types written to MessageHeader.eventCoding.code.
const (
	MessageTypeEICRCDA  = "eicr-cda-message"
	MessageTypeEICRFHIR = "eicr-fhir-message"
)

const messageTypeSystem = "http://hl7.org/fhir/us/medmorph/CodeSystem/us-ph-messageheader-message-types"

// patientQueryKey is the context key of the targeted Patient lookup.
const patientQueryKey = "eicr-patient"

// Option customizes a built-in creator.
type Option func(*base)

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(fn func() string) Option { return func(b *base) { b.newID = fn } }

// WithClock replaces the wall clock.
func WithClock(fn func() time.Time) Option { return func(b *base) { b.now = fn } }

type base struct {
	newID  func() string
	now    func() time.Time
	logger *slog.Logger
}

func newBase(logger *slog.Logger, opts []Option) base {
	b := base{
		newID:  func() string { return uuid.New().String() },
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	for _, o := range opts {
		o(&b)
	}
	return b
}

// patient finds the Patient in the working set or fetches it.
func (b *base) patient(ctx context.Context, pc *processing.Context, in Input) (schema.Resource, error) {
	for _, list := range in.Resources {
		for _, r := range list {
			if r.ResourceType() == "Patient" {
				return r, nil
			}
		}
	}
	if in.Queries == nil {
		return nil, nil
	}
	found, err := in.Queries.ExecuteNamedQuery(ctx, pc, patientQueryKey, schema.QueryFilter{
		ResourceType: "Patient",
		Query:        "Patient/{{patientId}}",
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

func (b *base) messageHeader(id, eventCode string, focus ...string) schema.Resource {
	refs := make([]any, 0, len(focus))
	for _, f := range focus {
		refs = append(refs, map[string]any{"reference": f})
	}
	return schema.Resource{
		"resourceType": "MessageHeader",
		"id":           id,
		"eventCoding": map[string]any{
			"system": messageTypeSystem,
			"code":   eventCode,
		},
		"source": map[string]any{"endpoint": "urn:karflow"},
		"focus":  refs,
	}
}

func (b *base) messageBundle(entries ...schema.Resource) schema.Resource {
	list := make([]any, 0, len(entries))
	for _, r := range entries {
		list = append(list, map[string]any{
			"fullUrl":  "urn:uuid:" + r.ID(),
			"resource": map[string]any(r),
		})
	}
	return schema.Resource{
		"resourceType": "Bundle",
		"id":           b.newID(),
		"type":         "message",
		"timestamp":    b.now().Format(time.RFC3339),
		"entry":        list,
	}
}

// EICRCDACreator produces a message bundle carrying an eICR CDA document.
type EICRCDACreator struct {
	base
}

// NewEICRCDACreator creates the document-bearing eICR creator.
func NewEICRCDACreator(logger *slog.Logger, opts ...Option) *EICRCDACreator {
	return &EICRCDACreator{base: newBase(logger, opts)}
}

func (c *EICRCDACreator) Name() string { return "eicr-cda" }

// Create builds the CDA document from the working set. It issues a targeted
// Patient query when the working set has no Patient. An empty working set
// with no patient produces no artifact.
func (c *EICRCDACreator) Create(ctx context.Context, pc *processing.Context, in Input) (*Artifact, error) {
	patient, err := c.patient(ctx, pc, in)
	if err != nil {
		if schema.IsFatal(err) {
			return nil, err
		}
		logging.LogWith(ctx, c.logger).Warn("patient lookup failed, continuing without demographics",
			slog.String("error", err.Error()))
	}
	if patient == nil && len(in.Resources) == 0 {
		return nil, nil
	}

	docID := c.newID()
	headerID := c.newID()
	now := c.now()

	doc := buildCDA(docID, now, pc, patient, in.Resources)
	payload, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeReportFailed, "encode CDA document").WithCause(err).WithAction(in.Action.ID)
	}
	payload = append([]byte(xml.Header), payload...)

	docRef := schema.Resource{
		"resourceType": "DocumentReference",
		"id":           docID,
		"status":       "current",
		"type": map[string]any{
			"coding": []any{map[string]any{"system": "http://loinc.org", "code": "55751-2", "display": "Public Health Case Report"}},
		},
		"subject": map[string]any{"reference": "Patient/" + pc.Notification.PatientID},
		"date":    now.Format(time.RFC3339),
		"content": []any{map[string]any{
			"attachment": map[string]any{
				"contentType": "application/xml;charset=utf-8",
				"data":        base64.StdEncoding.EncodeToString(payload),
			},
		}},
	}
	if pc.Notification.NotificationResourceType == "Encounter" {
		docRef["context"] = map[string]any{
			"encounter": []any{map[string]any{"reference": "Encounter/" + pc.Notification.NotificationResourceID}},
		}
	}

	header := c.messageHeader(headerID, MessageTypeEICRCDA, "DocumentReference/"+docID)
	return &Artifact{
		Bundle:        c.messageBundle(header, docRef),
		Profile:       in.Profile,
		RequirementID: in.RequirementID,
	}, nil
}

// --- CDA document model ---

type cdaID struct {
	Root      string `xml:"root,attr"`
	Extension string `xml:"extension,attr,omitempty"`
}

type cdaCode struct {
	Code        string `xml:"code,attr"`
	CodeSystem  string `xml:"codeSystem,attr,omitempty"`
	DisplayName string `xml:"displayName,attr,omitempty"`
}

type cdaValue struct {
	Value string `xml:"value,attr"`
}

type cdaName struct {
	Given  []string `xml:"given,omitempty"`
	Family string   `xml:"family,omitempty"`
}

type cdaPatientRole struct {
	ID      cdaID `xml:"id"`
	Patient struct {
		Name      *cdaName  `xml:"name,omitempty"`
		Gender    *cdaCode  `xml:"administrativeGenderCode,omitempty"`
		BirthTime *cdaValue `xml:"birthTime,omitempty"`
	} `xml:"patient"`
}

type cdaEncounter struct {
	ID cdaID `xml:"encompassingEncounter>id"`
}

type cdaSection struct {
	Code  cdaCode  `xml:"code"`
	Title string   `xml:"title"`
	Items []string `xml:"text>list>item"`
}

type cdaSectionComponent struct {
	Section cdaSection `xml:"section"`
}

type clinicalDocument struct {
	XMLName       xml.Name              `xml:"urn:hl7-org:v3 ClinicalDocument"`
	ID            cdaID                 `xml:"id"`
	Code          cdaCode               `xml:"code"`
	Title         string                `xml:"title"`
	EffectiveTime cdaValue              `xml:"effectiveTime"`
	SetID         cdaID                 `xml:"setId"`
	VersionNumber cdaValue              `xml:"versionNumber"`
	RecordTarget  cdaPatientRole        `xml:"recordTarget>patientRole"`
	ComponentOf   *cdaEncounter         `xml:"componentOf,omitempty"`
	Body          []cdaSectionComponent `xml:"component>structuredBody>component"`
}

// sections lists the body sections by resource type, in document order.
var sections = []struct {
	resourceType string
	code         string
	title        string
}{
	{"Condition", "11450-4", "Problems"},
	{"Observation", "30954-2", "Results"},
	{"MedicationAdministration", "29549-3", "Medications Administered"},
	{"Immunization", "11369-6", "Immunizations"},
	{"Encounter", "46240-8", "Encounters"},
}

func buildCDA(docID string, now time.Time, pc *processing.Context, patient schema.Resource, working map[string][]schema.Resource) clinicalDocument {
	doc := clinicalDocument{
		ID:            cdaID{Root: "2.16.840.1.113883.9.9.9", Extension: docID},
		Code:          cdaCode{Code: "55751-2", CodeSystem: "2.16.840.1.113883.6.1", DisplayName: "Public Health Case Report"},
		Title:         "Initial Public Health Case Report - eICR",
		EffectiveTime: cdaValue{Value: now.Format("20060102150405-0700")},
		SetID:         cdaID{Root: "2.16.840.1.113883.9.9.9", Extension: pc.Notification.PatientID + "-" + pc.Notification.NotificationResourceID},
		VersionNumber: cdaValue{Value: "1"},
	}
	doc.RecordTarget.ID = cdaID{Root: "2.16.840.1.113883.9.9.9.1", Extension: pc.Notification.PatientID}
	if patient != nil {
		doc.RecordTarget.Patient.Name = patientName(patient)
		if g, ok := patient["gender"].(string); ok {
			doc.RecordTarget.Patient.Gender = &cdaCode{Code: genderCode(g), CodeSystem: "2.16.840.1.113883.5.1"}
		}
		if bd, ok := patient["birthDate"].(string); ok {
			doc.RecordTarget.Patient.BirthTime = &cdaValue{Value: compactDate(bd)}
		}
	}
	if pc.Notification.NotificationResourceType == "Encounter" {
		doc.ComponentOf = &cdaEncounter{ID: cdaID{Root: "2.16.840.1.113883.9.9.9.2", Extension: pc.Notification.NotificationResourceID}}
	}

	byType := make(map[string][]schema.Resource)
	seen := make(map[string]bool)
	ids := make([]string, 0, len(working))
	for id := range working {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, r := range working[id] {
			if k := r.Key(); k != "" {
				if seen[k] {
					continue
				}
				seen[k] = true
			}
			byType[r.ResourceType()] = append(byType[r.ResourceType()], r)
		}
	}

	for _, s := range sections {
		list := byType[s.resourceType]
		section := cdaSection{
			Code:  cdaCode{Code: s.code, CodeSystem: "2.16.840.1.113883.6.1"},
			Title: s.title,
		}
		for _, r := range list {
			section.Items = append(section.Items, narrative(r))
		}
		if len(section.Items) == 0 {
			section.Items = []string{"No information"}
		}
		doc.Body = append(doc.Body, cdaSectionComponent{Section: section})
	}
	return doc
}

func patientName(p schema.Resource) *cdaName {
	names, _ := p["name"].([]any)
	if len(names) == 0 {
		return nil
	}
	first, _ := names[0].(map[string]any)
	n := &cdaName{}
	n.Family, _ = first["family"].(string)
	given, _ := first["given"].([]any)
	for _, g := range given {
		if s, ok := g.(string); ok {
			n.Given = append(n.Given, s)
		}
	}
	return n
}

func genderCode(g string) string {
	switch g {
	case "male":
		return "M"
	case "female":
		return "F"
	default:
		return "UN"
	}
}

// compactDate turns 1980-04-02 into 19800402.
func compactDate(d string) string {
	out := make([]byte, 0, len(d))
	for i := 0; i < len(d); i++ {
		if d[i] != '-' {
			out = append(out, d[i])
		}
	}
	return string(out)
}

// narrative renders a one-line description of a coded resource.
func narrative(r schema.Resource) string {
	code, _ := r["code"].(map[string]any)
	if text, ok := code["text"].(string); ok && text != "" {
		return text
	}
	codings, _ := code["coding"].([]any)
	if len(codings) > 0 {
		c, _ := codings[0].(map[string]any)
		display, _ := c["display"].(string)
		value, _ := c["code"].(string)
		switch {
		case display != "" && value != "":
			return fmt.Sprintf("%s (%s)", display, value)
		case display != "":
			return display
		case value != "":
			return value
		}
	}
	return r.Reference()
}

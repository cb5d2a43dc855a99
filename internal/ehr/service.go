// Package ehr fetches clinical data from the external record system.
package ehr

import (
	"context"

	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/pkg/schema"
)

// QueryService is the query collaborator used by the engine and by report
// creators. Every method records what it fetched in the processing context
// under the requirement or query ID, including empty results.
//
// Failures carry QUERY_FAILED unless the record system cannot be reached at
// all for this run (TRANSPORT_FATAL).
type QueryService interface {
	// ExecuteNamedQuery runs one named query and stores its result under key.
	ExecuteNamedQuery(ctx context.Context, pc *processing.Context, key string, filter schema.QueryFilter) ([]schema.Resource, error)

	// FetchByRequirements fetches each input requirement by resource type.
	// The returned map has an entry for every requirement that did not fail.
	FetchByRequirements(ctx context.Context, pc *processing.Context, reqs []schema.DataRequirement) (map[string][]schema.Resource, error)

	// FetchReferenceData loads jurisdiction data used by downstream logic.
	FetchReferenceData(ctx context.Context, pc *processing.Context) ([]schema.Resource, error)
}

// ReferenceDataKey is the context key jurisdiction data is stored under.
const ReferenceDataKey = "jurisdiction"

// TokenSource supplies the bearer token for record-system requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token. An empty token sends no Authorization header.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

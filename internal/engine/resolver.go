package engine

import (
	"context"
	"log/slog"
	"sort"

	"github.com/rendis/karflow/internal/ehr"
	"github.com/rendis/karflow/internal/logging"
	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/pkg/schema"
)

// resolve gathers the working set for one action. Requirements that resolve
// to zero resources stay out of the working set; the context still records
// them as empty. Query failures are logged and treated as empty unless fatal.
func (e *Executor) resolve(ctx context.Context, pc *processing.Context, action *schema.Action) (map[string][]schema.Resource, error) {
	if len(action.Queries) == 0 && len(action.Input) == 0 {
		return nonEmpty(pc.ResourcesByID()), nil
	}

	working := make(map[string][]schema.Resource)
	log := logging.LogWith(ctx, e.logger)

	named := pc.KAR.QueriesFor(action)
	if len(action.Queries) == 0 {
		// Inputs without a default query go through the generic fetch.
		var generic []schema.DataRequirement
		for _, dr := range action.Input {
			if _, ok := named[dr.ID]; !ok {
				generic = append(generic, dr)
			}
		}
		if len(generic) > 0 {
			found, err := e.deps.Queries.FetchByRequirements(ctx, pc, generic)
			if err != nil {
				if schema.IsFatal(err) {
					return nil, err
				}
				log.Warn("requirement fetch incomplete", slog.String("error", err.Error()))
				pc.RecordFailure(action.ID, err)
			}
			for _, dr := range generic {
				list, ok := found[dr.ID]
				if !ok {
					pc.SetResources(dr.ID, nil)
				}
				if len(list) > 0 {
					working[dr.ID] = list
				}
			}
		}
	}

	keys := make([]string, 0, len(named))
	for k := range named {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		list, err := e.deps.Queries.ExecuteNamedQuery(ctx, pc, key, named[key])
		if err != nil {
			if schema.IsFatal(err) {
				return nil, err
			}
			log.Warn("named query failed",
				slog.String("query_key", key),
				slog.String("error", err.Error()))
			pc.RecordFailure(action.ID, err)
			pc.SetResources(key, nil)
			continue
		}
		if len(list) > 0 {
			working[key] = list
		}
	}

	ref, err := e.deps.Queries.FetchReferenceData(ctx, pc)
	switch {
	case err != nil && schema.IsFatal(err):
		return nil, err
	case err != nil:
		log.Warn("reference data unavailable", slog.String("error", err.Error()))
		pc.RecordFailure(action.ID, err)
	case len(ref) > 0:
		working[ehr.ReferenceDataKey] = ref
	}

	for id := range working {
		log.Debug("requirement resolved", slog.String("requirement_id", id), slog.Int("resources", len(working[id])))
	}
	return working, nil
}

func nonEmpty(in map[string][]schema.Resource) map[string][]schema.Resource {
	out := make(map[string][]schema.Resource, len(in))
	for id, list := range in {
		if len(list) > 0 {
			out[id] = list
		}
	}
	return out
}

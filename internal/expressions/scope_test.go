package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/pkg/schema"
)

func TestScope_FromProcessingContext(t *testing.T) {
	pc, err := processing.New(&schema.NotificationContext{
		PatientID:                "pat-1",
		NotificationResourceID:   "enc-1",
		NotificationResourceType: "Encounter",
	}, &schema.KnowledgeArtifact{ID: "kar-covid", Version: "2"})
	require.NoError(t, err)
	pc.SetResources("conditions", []schema.Resource{{"resourceType": "Condition", "id": "c1", "code": "840539006"}})
	pc.SetResources("labs", nil)
	pc.AddActionOutput("create", schema.NewResource("Bundle", "b1"))

	scope := Scope(pc)

	e, err := NewCELEngine()
	require.NoError(t, err)
	for expr, want := range map[string]bool{
		`size(resources.conditions) == 1`:          true,
		`size(resources.labs) == 0`:                true,
		`size(fetched) == 1`:                       true,
		`size(outputs.create) == 1`:                true,
		`trigger.resource_type == "Encounter"`:     true,
		`context.kar_id == "kar-covid"`:            true,
		`fetched.exists(r, r.code == "840539006")`: true,
	} {
		out, err := e.Evaluate(context.Background(), expr, scope)
		require.NoError(t, err, expr)
		assert.Equal(t, want, out, expr)
	}

	jq := NewGoJQEngine()
	out, err := jq.Evaluate(context.Background(), `.resources.conditions[0].id`, scope)
	require.NoError(t, err)
	assert.Equal(t, "c1", out)
}

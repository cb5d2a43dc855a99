package ehr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/karflow/pkg/schema"
)

func TestInterpolate(t *testing.T) {
	vars := map[string]string{"patientId": "pat 1", "encounterId": "enc-1"}

	got, err := Interpolate("Observation?patient={{patientId}}&encounter={{ encounterId }}", vars)
	require.NoError(t, err)
	assert.Equal(t, "Observation?patient=pat+1&encounter=enc-1", got)

	got, err = Interpolate("Condition", vars)
	require.NoError(t, err)
	assert.Equal(t, "Condition", got)
}

func TestInterpolate_Errors(t *testing.T) {
	vars := map[string]string{"patientId": "p"}
	for _, tmpl := range []string{
		"Condition?patient={{patientId",
		"Condition?patient={{}}",
		"Condition?patient={{unknown}}",
		"Condition?patient={{ {{patientId}}",
	} {
		_, err := Interpolate(tmpl, vars)
		require.Error(t, err, tmpl)
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	}
}

func TestTemplateVars_EncounterOnlyForEncounterTriggers(t *testing.T) {
	pc := newTestContext(t, "http://x")
	assert.Equal(t, "enc-1", TemplateVars(pc)["encounterId"])

	pc.Notification.NotificationResourceType = "Observation"
	_, ok := TemplateVars(pc)["encounterId"]
	assert.False(t, ok)
}

package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/learnloop/sync-server/internal/models"
)

func sessionPolicy() models.FieldPolicy {
	return models.FieldPolicyFor(models.EntityTypeLearningSession)
}

func TestDeepMerge_Idempotent(t *testing.T) {
	t.Parallel()

	data := models.EntityData{
		"progress": 40.0,
		"tags":     []any{"math", "algebra"},
		"nested":   map[string]any{"a": 1.0, "b": []any{"x"}},
	}

	merged := DeepMerge(data, data, sessionPolicy())
	assert.Equal(t, data, merged)
}

func TestDeepMerge_ClientOnlyFields(t *testing.T) {
	t.Parallel()

	merged := DeepMerge(
		models.EntityData{"newField": "hello"},
		models.EntityData{"existing": true},
		sessionPolicy())

	assert.Equal(t, models.EntityData{"existing": true, "newField": "hello"}, merged)
}

func TestDeepMerge_NumericPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		field  string
		client float64
		server float64
		want   float64
	}{
		{name: "progress takes max when client ahead", field: "progress", client: 65, server: 40, want: 65},
		{name: "progress takes max when server ahead", field: "progress", client: 40, server: 65, want: 65},
		{name: "additive timeSpent takes max", field: "timeSpent", client: 120, server: 180, want: 180},
		{name: "score takes max", field: "score", client: 10, server: 8, want: 10},
		{name: "plain numeric field takes client", field: "fontSize", client: 14, server: 16, want: 14},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			merged := DeepMerge(
				models.EntityData{tt.field: tt.client},
				models.EntityData{tt.field: tt.server},
				sessionPolicy())
			assert.Equal(t, tt.want, merged[tt.field])
		})
	}
}

func TestDeepMerge_PrimitiveArrayUnion(t *testing.T) {
	t.Parallel()

	merged := DeepMerge(
		models.EntityData{"items": []any{2.0, 3.0, 4.0}},
		models.EntityData{"items": []any{1.0, 2.0, 3.0}},
		sessionPolicy())

	// Server values first, then client values not already present.
	assert.Equal(t, []any{1.0, 2.0, 3.0, 4.0}, merged["items"])
}

func TestDeepMerge_ObjectArrayMergeByID(t *testing.T) {
	t.Parallel()

	client := models.EntityData{
		"answers": []any{
			map[string]any{"id": "q1", "attempts": 3.0, "note": "client"},
			map[string]any{"id": "q3", "attempts": 1.0},
		},
	}
	server := models.EntityData{
		"answers": []any{
			map[string]any{"id": "q1", "attempts": 2.0, "gradedBy": "t-1"},
			map[string]any{"id": "q2", "attempts": 1.0},
		},
	}

	merged := DeepMerge(client, server, sessionPolicy())
	answers, ok := merged["answers"].([]any)
	assert.True(t, ok)
	assert.Len(t, answers, 3)

	// q1 exists on both sides: recursive merge, additive attempts -> max,
	// server-only and client-only fields both survive.
	q1 := answers[0].(map[string]any)
	assert.Equal(t, "q1", q1["id"])
	assert.Equal(t, 3.0, q1["attempts"])
	assert.Equal(t, "t-1", q1["gradedBy"])
	assert.Equal(t, "client", q1["note"])

	// q2 is server-only, q3 is client-only; both pass through.
	assert.Equal(t, "q2", answers[1].(map[string]any)["id"])
	assert.Equal(t, "q3", answers[2].(map[string]any)["id"])
}

func TestDeepMerge_NestedObjectsRecurse(t *testing.T) {
	t.Parallel()

	merged := DeepMerge(
		models.EntityData{"state": map[string]any{"progress": 70.0, "theme": "dark"}},
		models.EntityData{"state": map[string]any{"progress": 55.0, "locale": "en"}},
		sessionPolicy())

	state := merged["state"].(map[string]any)
	assert.Equal(t, 70.0, state["progress"])
	assert.Equal(t, "dark", state["theme"])
	assert.Equal(t, "en", state["locale"])
}

func TestDeepMerge_TypeMismatchAndMetadata(t *testing.T) {
	t.Parallel()

	merged := DeepMerge(
		models.EntityData{
			"updatedAt": "2026-08-20T10:00:00Z",
			"label":     "client label",
			"active":    true,
		},
		models.EntityData{
			"updatedAt": "2026-08-19T10:00:00Z",
			"label":     "server label",
			"active":    false,
		},
		sessionPolicy())

	// updatedAt is server-owned metadata; the rest of the scalars go client.
	assert.Equal(t, "2026-08-19T10:00:00Z", merged["updatedAt"])
	assert.Equal(t, "client label", merged["label"])
	assert.Equal(t, true, merged["active"])
}

func TestDeepMerge_EqualFieldsUntouched(t *testing.T) {
	t.Parallel()

	shared := map[string]any{"b": 1.0, "a": 2.0}
	merged := DeepMerge(
		models.EntityData{"obj": map[string]any{"a": 2.0, "b": 1.0}},
		models.EntityData{"obj": shared},
		sessionPolicy())

	// Key order is irrelevant for object equality.
	assert.Equal(t, shared, merged["obj"])
}

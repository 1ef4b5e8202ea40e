package models

// FieldPolicy drives the field-level decisions of the deep merge: additive
// and progress fields resolve numerically to max(client, server), metadata
// fields always keep the server value on a non-numeric disagreement.
type FieldPolicy struct {
	Additive map[string]struct{}
	Progress map[string]struct{}
	Metadata map[string]struct{}
}

// IsAdditive reports whether field accumulates across devices (e.g. time
// spent, attempt counts).
func (p FieldPolicy) IsAdditive(field string) bool {
	_, ok := p.Additive[field]
	return ok
}

// IsProgress reports whether field is a monotonically advancing progress
// measure.
func (p FieldPolicy) IsProgress(field string) bool {
	_, ok := p.Progress[field]
	return ok
}

// IsMetadata reports whether field is server-owned bookkeeping.
func (p FieldPolicy) IsMetadata(field string) bool {
	_, ok := p.Metadata[field]
	return ok
}

func fieldSet(fields ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// defaultFieldPolicy applies to every entity type unless overridden below.
var defaultFieldPolicy = FieldPolicy{
	Additive: fieldSet("timeSpent", "duration", "attempts", "viewCount"),
	Progress: fieldSet("progress", "score", "masteryLevel", "completionPercent"),
	Metadata: fieldSet("id", "createdAt", "updatedAt", "version", "syncedAt", "tenantId", "userId"),
}

// fieldPolicyOverrides holds per-entity-type deviations from the default
// policy. Currently empty: all types share the default sets, but resolution
// code reads through FieldPolicyFor so a per-type tweak is a table entry,
// not a code change.
var fieldPolicyOverrides = map[EntityType]FieldPolicy{}

// FieldPolicyFor returns the merge field policy for an entity type.
func FieldPolicyFor(t EntityType) FieldPolicy {
	if p, ok := fieldPolicyOverrides[t]; ok {
		return p
	}
	return defaultFieldPolicy
}

// defaultStrategies is the fixed lookup of suggested resolution strategies.
// Session and mastery data merge field-by-field, settings and responses are
// timestamp-ordered, and free-form notes always go to the user.
var defaultStrategies = map[EntityType]ResolutionStrategy{
	EntityTypeLearningSession: StrategyMerge,
	EntityTypeItemResponse:    StrategyLastWriteWins,
	EntityTypeProgress:        StrategyMerge,
	EntityTypeSkillMastery:    StrategyMerge,
	EntityTypeSettings:        StrategyLastWriteWins,
	EntityTypeBookmark:        StrategyMerge,
	EntityTypeNote:            StrategyManual,
}

// DefaultStrategy returns the suggested resolution strategy for an entity
// type. Unknown types fall back to SERVER_WINS, the safe default.
func DefaultStrategy(t EntityType) ResolutionStrategy {
	if s, ok := defaultStrategies[t]; ok {
		return s
	}
	return StrategyServerWins
}

// nonConflictingFields lists fields that never flag a delta conflict even
// when the server version is ahead: they change on every heartbeat and carry
// no user intent.
var nonConflictingFields = map[EntityType]map[string]struct{}{
	EntityTypeLearningSession: fieldSet("duration", "lastActiveAt"),
	EntityTypeItemResponse:    fieldSet("syncedAt"),
	EntityTypeProgress:        fieldSet("lastActivityAt"),
	EntityTypeSkillMastery:    fieldSet("lastPracticedAt"),
}

// IsNonConflictingField reports whether field is exempt from delta conflict
// flagging for the given entity type.
func IsNonConflictingField(t EntityType, field string) bool {
	set, ok := nonConflictingFields[t]
	if !ok {
		return false
	}
	_, ok = set[field]
	return ok
}

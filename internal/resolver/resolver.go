// Package resolver implements conflict resolution for the sync engine. All
// functions are pure: they take client and server payloads and produce a
// resolved payload without touching storage or transport.
package resolver

import (
	"errors"
	"fmt"
	"time"

	"github.com/learnloop/sync-server/internal/models"
)

var (
	// ErrMissingMergeData is returned when a MANUAL resolution is requested
	// without caller-supplied merged data.
	ErrMissingMergeData = errors.New("manual resolution requires merged data")

	// ErrUnknownStrategy is returned for a strategy outside the closed set.
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
)

// timestampFields are inspected in order by LAST_WRITE_WINS. The first
// present field decides; values may be ISO-8601 strings or numeric epochs.
var timestampFields = []string{"updatedAt", "modifiedAt", "timestamp", "lastModified"}

// ApplyResolution produces the resolved payload for a conflict according to
// the chosen strategy. mergedData is only consulted for MANUAL. The returned
// payload is always a copy; callers may mutate it freely.
func ApplyResolution(
	strategy models.ResolutionStrategy,
	clientData, serverData models.EntityData,
	mergedData models.EntityData,
	policy models.FieldPolicy,
) (models.EntityData, error) {
	switch strategy {
	case models.StrategyServerWins:
		return serverData.Clone(), nil
	case models.StrategyClientWins:
		return clientData.Clone(), nil
	case models.StrategyLastWriteWins:
		if clientTimestamp(clientData) > clientTimestamp(serverData) {
			return clientData.Clone(), nil
		}
		// Ties and missing timestamps are server-favored.
		return serverData.Clone(), nil
	case models.StrategyMerge:
		return DeepMerge(clientData, serverData, policy), nil
	case models.StrategyManual:
		if mergedData == nil {
			return nil, ErrMissingMergeData
		}
		return mergedData.Clone(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// AttemptAutoResolve tries to resolve a conflict with its suggested strategy.
// It returns (nil, nil) when the suggested strategy is MANUAL, meaning no
// automatic resolution is possible and the conflict stays pending.
func AttemptAutoResolve(
	conflict *models.SyncConflict,
	clientData, serverData models.EntityData,
) (models.EntityData, error) {
	if conflict.SuggestedResolution == models.StrategyManual {
		return nil, nil
	}
	return ApplyResolution(
		conflict.SuggestedResolution,
		clientData,
		serverData,
		nil,
		models.FieldPolicyFor(conflict.EntityType),
	)
}

// clientTimestamp extracts the first present timestamp field from a payload
// as epoch milliseconds. Absent or unparseable timestamps count as 0.
func clientTimestamp(data models.EntityData) float64 {
	for _, field := range timestampFields {
		v, ok := data[field]
		if !ok {
			continue
		}
		switch ts := v.(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				return float64(t.UnixMilli())
			}
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				return float64(t.UnixMilli())
			}
			return 0
		default:
			if n, ok := asNumber(v); ok {
				return n
			}
			return 0
		}
	}
	return 0
}

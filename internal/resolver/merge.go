package resolver

import (
	"bytes"
	"encoding/json"

	"github.com/learnloop/sync-server/internal/models"
)

// objectIDFields are tried in order to identify items when merging arrays of
// objects.
var objectIDFields = []string{"id", "_id", "uuid", "key"}

// DeepMerge merges clientData into a copy of serverData field by field.
// Equal fields pass through untouched; disagreements dispatch on runtime
// type: numerics follow the additive/progress policy (max wins) or default
// to the client, primitive arrays union, object arrays merge by identifier,
// nested objects recurse, and anything else goes to the client unless the
// field is server-owned metadata.
func DeepMerge(clientData, serverData models.EntityData, policy models.FieldPolicy) models.EntityData {
	merged := serverData.Clone()
	if merged == nil {
		merged = models.EntityData{}
	}

	for field, clientValue := range clientData {
		serverValue, onServer := merged[field]
		if !onServer {
			merged[field] = cloneAny(clientValue)
			continue
		}
		if jsonEqual(clientValue, serverValue) {
			continue
		}
		merged[field] = mergeValues(field, clientValue, serverValue, policy)
	}

	return merged
}

// mergeValues resolves a single disagreeing field.
func mergeValues(field string, clientValue, serverValue any, policy models.FieldPolicy) any {
	clientNum, clientIsNum := asNumber(clientValue)
	serverNum, serverIsNum := asNumber(serverValue)
	if clientIsNum && serverIsNum {
		if policy.IsAdditive(field) || policy.IsProgress(field) {
			if serverNum > clientNum {
				return serverValue
			}
			return clientValue
		}
		return clientValue
	}

	clientArr, clientIsArr := asArray(clientValue)
	serverArr, serverIsArr := asArray(serverValue)
	if clientIsArr && serverIsArr {
		if isObjectArray(clientArr) && isObjectArray(serverArr) {
			return mergeObjectArrays(clientArr, serverArr, policy)
		}
		return unionArrays(clientArr, serverArr)
	}

	clientObj, clientIsObj := asObject(clientValue)
	serverObj, serverIsObj := asObject(serverValue)
	if clientIsObj && serverIsObj {
		return map[string]any(DeepMerge(clientObj, serverObj, policy))
	}

	// Type mismatch or non-mergeable scalar: metadata stays server-owned,
	// everything else takes the client's value.
	if policy.IsMetadata(field) {
		return serverValue
	}
	return cloneAny(clientValue)
}

// unionArrays returns the set union of two primitive arrays, server values
// first, then client values not already present.
func unionArrays(clientArr, serverArr []any) []any {
	out := make([]any, 0, len(serverArr)+len(clientArr))
	out = append(out, cloneSlice(serverArr)...)
	for _, cv := range clientArr {
		seen := false
		for _, existing := range out {
			if jsonEqual(cv, existing) {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, cloneAny(cv))
		}
	}
	return out
}

// mergeObjectArrays merges two arrays of objects by item identifier. Items
// present on one side pass through; items present on both recursively
// deep-merge with the server item as the base. Items without an identifier
// pass through server-first like a primitive union.
func mergeObjectArrays(clientArr, serverArr []any, policy models.FieldPolicy) []any {
	out := make([]any, 0, len(serverArr)+len(clientArr))
	clientByID := make(map[string]map[string]any, len(clientArr))
	clientMerged := make(map[string]bool, len(clientArr))

	for _, item := range clientArr {
		obj, _ := asObject(item)
		if id, ok := objectID(obj); ok {
			clientByID[id] = obj
		}
	}

	for _, item := range serverArr {
		obj, _ := asObject(item)
		id, ok := objectID(obj)
		if !ok {
			out = append(out, cloneAny(item))
			continue
		}
		if clientObj, both := clientByID[id]; both {
			out = append(out, map[string]any(DeepMerge(clientObj, obj, policy)))
			clientMerged[id] = true
			continue
		}
		out = append(out, cloneAny(item))
	}

	for _, item := range clientArr {
		obj, _ := asObject(item)
		id, ok := objectID(obj)
		if ok && clientMerged[id] {
			continue
		}
		if !ok {
			// Unidentified client items are skipped if an equal server item
			// already passed through.
			dup := false
			for _, existing := range out {
				if jsonEqual(item, existing) {
					dup = true
					break
				}
			}
			if dup {
				continue
			}
		}
		out = append(out, cloneAny(item))
	}

	return out
}

// objectID extracts the item identifier from the first present id-like
// field, stringified via JSON so numeric and string ids compare uniformly.
func objectID(obj map[string]any) (string, bool) {
	if obj == nil {
		return "", false
	}
	for _, field := range objectIDFields {
		if v, ok := obj[field]; ok {
			raw, err := json.Marshal(v)
			if err != nil {
				return "", false
			}
			return string(raw), true
		}
	}
	return "", false
}

func isObjectArray(arr []any) bool {
	if len(arr) == 0 {
		return false
	}
	for _, item := range arr {
		if _, ok := asObject(item); !ok {
			return false
		}
	}
	return true
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asArray(v any) ([]any, bool) {
	arr, ok := v.([]any)
	return arr, ok
}

func asObject(v any) (map[string]any, bool) {
	switch obj := v.(type) {
	case map[string]any:
		return obj, true
	case models.EntityData:
		return obj, true
	default:
		return nil, false
	}
}

// Equal reports whether two values are structurally equal under JSON
// semantics. It backs both merge short-circuits and field-level delta
// comparison.
func Equal(a, b any) bool {
	return jsonEqual(a, b)
}

// jsonEqual compares two values structurally: object key order is
// irrelevant, array order matters, and numeric representations normalize
// through JSON encoding.
func jsonEqual(a, b any) bool {
	rawA, errA := json.Marshal(a)
	rawB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(rawA, rawB)
}

func cloneAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(models.EntityData(val).Clone())
	case models.EntityData:
		return map[string]any(val.Clone())
	case []any:
		return cloneSliceValue(val)
	default:
		return val
	}
}

func cloneSlice(arr []any) []any {
	return cloneSliceValue(arr)
}

func cloneSliceValue(arr []any) []any {
	out := make([]any, len(arr))
	for i, v := range arr {
		out[i] = cloneAny(v)
	}
	return out
}

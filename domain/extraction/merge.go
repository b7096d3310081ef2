package extraction

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/stackradar/knowledge-engine/domain/projects"
)

// chunkResult is one chunk's decoded model output for a field group.
type chunkResult struct {
	Index      int
	Payload    map[string]any
	Confidence *float64
}

// defaultNaturalKey identifies records in entity-list groups that do not
// name their own key field.
const defaultNaturalKey = "product_name"

// mergeGroup reduces per-chunk payloads for one field group to a single
// payload. The merge is deterministic for a fixed set of inputs: results
// are ordered by chunk index before any rule runs.
func mergeGroup(group *projects.FieldGroup, results []chunkResult) (map[string]any, *float64) {
	if len(results) == 0 {
		return nil, nil
	}
	sorted := make([]chunkResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	if group.IsEntityList {
		return mergeEntityList(group, sorted)
	}

	merged := make(map[string]any)
	for fi := range group.Fields {
		field := &group.Fields[fi]
		var values []any
		for _, res := range sorted {
			if v, ok := res.Payload[field.Name]; ok && v != nil {
				values = append(values, v)
			}
		}
		if v, ok := mergeField(field, values); ok {
			merged[field.Name] = v
		}
	}
	if len(merged) == 0 {
		return nil, nil
	}

	var confidences []float64
	for _, res := range sorted {
		if res.Confidence != nil {
			confidences = append(confidences, *res.Confidence)
		}
	}
	return merged, meanConfidence(confidences)
}

// mergeField combines one field's values across chunks. Values that do not
// match the declared type are ignored; when nothing valid remains the field
// is omitted from the merged payload.
func mergeField(field *projects.FieldDefinition, values []any) (any, bool) {
	if len(values) == 0 {
		return nil, false
	}

	switch field.Type {
	case projects.FieldBoolean:
		found := false
		for _, v := range values {
			if b, ok := v.(bool); ok {
				found = true
				if b {
					return true, true
				}
			}
		}
		return false, found

	case projects.FieldInteger, projects.FieldFloat:
		var best float64
		found := false
		for _, v := range values {
			if n, ok := v.(float64); ok {
				if !found || n > best {
					best = n
				}
				found = true
			}
		}
		return best, found

	case projects.FieldText, projects.FieldEnum:
		longest := ""
		found := false
		for _, v := range values {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				if !found || len(s) > len(longest) {
					longest = s
				}
				found = true
			}
		}
		return longest, found

	case projects.FieldList:
		var union []any
		seen := make(map[string]bool)
		for _, v := range values {
			items, ok := v.([]any)
			if !ok {
				continue
			}
			for _, item := range items {
				key := canonicalJSON(item)
				if seen[key] {
					continue
				}
				seen[key] = true
				union = append(union, item)
			}
		}
		return union, union != nil

	default:
		return values[0], true
	}
}

// mergeEntityList unions record lists across chunks, keyed by the group's
// natural key. The first occurrence of a key wins; records without a key
// value fall back to whole-record identity. Confidence is the mean over
// chunks that returned at least one record.
func mergeEntityList(group *projects.FieldGroup, sorted []chunkResult) (map[string]any, *float64) {
	key := group.NaturalKey
	if key == "" {
		key = defaultNaturalKey
	}

	var records []any
	seen := make(map[string]bool)
	var confidences []float64

	for _, res := range sorted {
		items, ok := res.Payload[group.Name].([]any)
		if !ok || len(items) == 0 {
			continue
		}
		if res.Confidence != nil {
			confidences = append(confidences, *res.Confidence)
		}
		for _, item := range items {
			identity := recordIdentity(item, key)
			if seen[identity] {
				continue
			}
			seen[identity] = true
			records = append(records, item)
		}
	}

	if len(records) == 0 {
		return nil, nil
	}
	return map[string]any{group.Name: records}, meanConfidence(confidences)
}

// recordIdentity returns the merge identity of one entity-list record.
// Key comparison is case-insensitive so casing noise between chunks does
// not duplicate a record.
func recordIdentity(item any, key string) string {
	rec, ok := item.(map[string]any)
	if !ok {
		return canonicalJSON(item)
	}
	if v, ok := rec[key]; ok {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return "key:" + strings.ToLower(strings.TrimSpace(s))
		}
	}
	return canonicalJSON(item)
}

// canonicalJSON renders a decoded JSON value deterministically. Maps
// marshal with sorted keys, so equal objects compare equal regardless of
// the order the model emitted them in.
func canonicalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func meanConfidence(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	return &mean
}

// payloadText renders an extraction payload as a stable readable string
// for embedding and duplicate comparison. Keys are sorted so the same
// payload always produces the same text.
func payloadText(extractionType string, data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		if data[k] == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(extractionType)
	sb.WriteString(".")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(";")
		}
		sb.WriteString(" ")
		sb.WriteString(k)
		sb.WriteString(": ")
		switch v := data[k].(type) {
		case string:
			sb.WriteString(v)
		default:
			sb.WriteString(canonicalJSON(v))
		}
	}
	return sb.String()
}

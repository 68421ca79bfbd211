// Package composer renders retrieved records into the flat text block
// handed to the language model. The output is an opaque prompt fragment,
// not a machine-parseable format.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/finq/internal/store"
)

// NoRecordsSentinel is the canonical context for an empty record set.
const NoRecordsSentinel = "No relevant records found."

// BuildContext renders records as one numbered line each. It is pure,
// deterministic, and total: any empty input yields NoRecordsSentinel, and
// payload fields are emitted in sorted key order.
func BuildContext(records []store.Record) string {
	if len(records) == 0 {
		return NoRecordsSentinel
	}

	var sb strings.Builder
	for i, rec := range records {
		sb.WriteString(fmt.Sprintf("%d. %s", i+1, formatPayload(rec.Payload)))
		if i < len(records)-1 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func formatPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return "(empty record)"
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %v", k, payload[k])
	}
	return strings.Join(parts, ", ")
}

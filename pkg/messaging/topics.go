package messaging

import "strings"

const (
	StreamName = "orion"

	// PropagationTopic matches every propagation report subject.
	PropagationTopic = "orion.propagation.*"

	StatusComplete = "complete"
	StatusPartial  = "partial"
)

// FormatPropagationTopic appends the outcome to the configured base
// subject, e.g. orion.propagation.partial.
func FormatPropagationTopic(base, status string) string {
	if base == "" {
		base = "orion.propagation"
	}
	return strings.TrimSuffix(base, ".") + "." + status
}

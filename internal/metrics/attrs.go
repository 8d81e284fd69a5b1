package metrics

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	StatusOK       = "ok"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

// NilString builds a span attribute from an optional string, rendering nil
// as the empty string so callers don't need a guard at every site.
func NilString(key string, val *string) attribute.KeyValue {
	if val == nil {
		return attribute.String(key, "")
	}
	return attribute.String(key, *val)
}

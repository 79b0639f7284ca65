// Package warnings implements the Warning Detector: a set of pure,
// data-driven predicates over an index's flattened settings and
// mappings, with no cluster calls of its own.
package warnings

// Kind enumerates the closed set of advisory warnings the detector can
// raise. Warnings never block operation creation.
type Kind string

const (
	AllField       Kind = "allField"
	BooleanFields  Kind = "booleanFields"
	APMReindex     Kind = "apmReindex"
)

type Warning struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// FlatSettings is an index's settings in dot-notation key form.
type FlatSettings map[string]interface{}

// Mappings is the raw decoded index mapping document, keyed by
// top-level type name for legacy per-type mappings, or containing a
// typeless "properties" key for modern indices.
type Mappings map[string]interface{}

// Detect inspects settings/mappings and returns the warnings that
// apply. A nil, nil return signals the index does not exist -- callers
// must check index existence separately before calling Detect.
func Detect(settings FlatSettings, mappings Mappings) ([]Warning, error) {
	if settings == nil && mappings == nil {
		return nil, nil
	}

	out := []Warning{}

	if hasAllFieldEnabled(mappings) {
		out = append(out, Warning{
			Kind:    AllField,
			Message: "The _all field is enabled on one or more types and will be removed by the reindex.",
		})
	}

	if paths := BooleanFieldPaths(mappings); len(paths) > 0 {
		out = append(out, Warning{
			Kind:    BooleanFields,
			Message: "One or more boolean fields store non-boolean values that will be coerced during the reindex.",
		})
	}

	if isAPMIndex(settings) {
		out = append(out, Warning{
			Kind:    APMReindex,
			Message: "This index is managed by APM; reindexing it manually may conflict with APM's own index lifecycle.",
		})
	}

	return out, nil
}

func hasAllFieldEnabled(mappings Mappings) bool {
	for _, raw := range mappings {
		typeMapping, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		all, ok := typeMapping["_all"].(map[string]interface{})
		if !ok {
			continue
		}
		if enabled, ok := all["enabled"].(bool); ok && enabled {
			return true
		}
	}
	return false
}

func isAPMIndex(settings FlatSettings) bool {
	if settings == nil {
		return false
	}
	if v, ok := settings["index.provided_name"]; ok {
		if name, ok := v.(string); ok {
			return len(name) >= 4 && name[:4] == "apm-"
		}
	}
	return false
}

// BooleanFieldPaths walks a mapping (typed or typeless) and returns the
// dotted field paths of every property declared `"type": "boolean"`.
// Shared with the reindex service (§4.3 "compute the list of
// boolean-field paths") so the script parameterisation and the
// warning detector agree on the same traversal.
func BooleanFieldPaths(mappings Mappings) []string {
	var paths []string
	for key, raw := range mappings {
		typeMapping, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if props, ok := typeMapping["properties"].(map[string]interface{}); ok {
			walkProperties("", props, &paths)
			continue
		}
		// typeless mapping directly under "properties"
		if key == "properties" {
			if props, ok := raw.(map[string]interface{}); ok {
				walkProperties("", props, &paths)
			}
		}
	}
	return paths
}

func walkProperties(prefix string, props map[string]interface{}, out *[]string) {
	for field, raw := range props {
		def, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		path := field
		if prefix != "" {
			path = prefix + "." + field
		}
		if t, ok := def["type"].(string); ok && t == "boolean" {
			*out = append(*out, path)
			continue
		}
		if nested, ok := def["properties"].(map[string]interface{}); ok {
			walkProperties(path, nested, out)
		}
	}
}

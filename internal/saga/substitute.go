package saga

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/tidwall/gjson"
)

var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// contextDoc renders the document that conditions and ${...} references are
// resolved against: {"variables": ..., "steps": {<id>: <output>}}.
func contextDoc(in *Instance) ([]byte, error) {
	steps := make(map[string]any, len(in.Context.StepResults))
	for id, r := range in.Context.StepResults {
		if r.Status == StepCompleted {
			steps[id] = r.Output
		}
	}
	return json.Marshal(map[string]any{
		"variables":     in.Context.Variables,
		"steps":         steps,
		"correlationId": in.Context.CorrelationID,
		"sagaId":        in.ID,
	})
}

// resolveParams returns a copy of params with every ${path} reference
// replaced. A string that is exactly one reference takes the referenced
// value with its JSON type; references embedded in longer strings are
// rendered as text. Unknown paths are an error.
func resolveParams(params map[string]any, doc []byte) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	out, err := resolveValue(params, doc)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func resolveValue(v any, doc []byte) (any, error) {
	switch t := v.(type) {
	case string:
		return resolveString(t, doc)
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			r, err := resolveValue(val, doc)
			if err != nil {
				return nil, err
			}
			m[k] = r
		}
		return m, nil
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			r, err := resolveValue(val, doc)
			if err != nil {
				return nil, err
			}
			s[i] = r
		}
		return s, nil
	default:
		return v, nil
	}
}

func resolveString(s string, doc []byte) (any, error) {
	if m := refPattern.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		res := gjson.GetBytes(doc, s[m[2]:m[3]])
		if !res.Exists() {
			return nil, fmt.Errorf("unresolved reference %s", s)
		}
		return res.Value(), nil
	}
	var missing string
	out := refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		res := gjson.GetBytes(doc, ref[2:len(ref)-1])
		if !res.Exists() {
			if missing == "" {
				missing = ref
			}
			return ref
		}
		return res.String()
	})
	if missing != "" {
		return nil, fmt.Errorf("unresolved reference %s in %q", missing, s)
	}
	return out, nil
}

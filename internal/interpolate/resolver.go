// Package interpolate resolves ${...} placeholders in action templates from
// two disjoint sources: caller-supplied parameters and the process secret
// store. Secrets never appear in the redacted rendering returned for
// diagnostics; they flow only into the real rendering used for the outbound
// request.
package interpolate

import (
	"fmt"
	"regexp"
	"strings"

	"report-runner/internal/common/errors"
	"report-runner/internal/secrets"
)

// templateRegex matches ${...} patterns
var templateRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Resolved holds both renderings of a template: Value carries real secret
// material and must only reach the outbound request; Redacted is safe for
// logs and error messages.
type Resolved struct {
	Value    string
	Redacted string
}

// Placeholders returns the placeholder names referenced by a template, in
// order of first appearance.
func Placeholders(template string) []string {
	matches := templateRegex.FindAllStringSubmatch(template, -1)
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		name := strings.TrimSpace(m[1])
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// Resolve substitutes every placeholder in template. Each placeholder must
// resolve from exactly one source: a placeholder present in both the
// parameter map and the secret store is a configuration error, and one found
// in neither is a validation error. Precedence is never used to silently
// disambiguate.
func Resolve(template string, params map[string]interface{}, store secrets.Store) (Resolved, error) {
	var resolveErr error

	redactedParts := make(map[string]string)

	value := templateRegex.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))

		paramVal, inParams := params[name]
		secretVal, inSecrets := store.Get(name)

		switch {
		case inParams && inSecrets:
			if resolveErr == nil {
				resolveErr = errors.ConfigError(
					fmt.Sprintf("placeholder '%s' is both a parameter and a secret", name))
			}
			return match
		case inParams:
			rendered := fmt.Sprint(paramVal)
			redactedParts[match] = rendered
			return rendered
		case inSecrets:
			redactedParts[match] = "[secret:" + name + "]"
			return secretVal
		default:
			if resolveErr == nil {
				resolveErr = errors.ValidationError(
					fmt.Sprintf("unresolved placeholder '%s'", name))
			}
			return match
		}
	})

	if resolveErr != nil {
		return Resolved{}, resolveErr
	}

	redacted := templateRegex.ReplaceAllStringFunc(template, func(match string) string {
		return redactedParts[match]
	})

	return Resolved{Value: value, Redacted: redacted}, nil
}

// ResolveValue recursively resolves placeholders in a nested template value
// (strings, maps, slices). A string that is exactly one placeholder bound to
// a parameter keeps the parameter's dynamic type, so numbers stay numbers in
// JSON bodies. The second return value is the redacted form of the same
// structure.
func ResolveValue(value interface{}, params map[string]interface{}, store secrets.Store) (interface{}, interface{}, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, params, store)
	case map[string]interface{}:
		real := make(map[string]interface{}, len(v))
		redacted := make(map[string]interface{}, len(v))
		for key, val := range v {
			r, red, err := ResolveValue(val, params, store)
			if err != nil {
				return nil, nil, err
			}
			real[key] = r
			redacted[key] = red
		}
		return real, redacted, nil
	case []interface{}:
		real := make([]interface{}, len(v))
		redacted := make([]interface{}, len(v))
		for i, val := range v {
			r, red, err := ResolveValue(val, params, store)
			if err != nil {
				return nil, nil, err
			}
			real[i] = r
			redacted[i] = red
		}
		return real, redacted, nil
	default:
		// Non-string literals pass through unchanged
		return value, value, nil
	}
}

func resolveString(s string, params map[string]interface{}, store secrets.Store) (interface{}, interface{}, error) {
	// Exact single-placeholder strings keep the bound value's type
	if m := templateRegex.FindStringSubmatch(s); m != nil && m[0] == s {
		name := strings.TrimSpace(m[1])

		paramVal, inParams := params[name]
		secretVal, inSecrets := store.Get(name)

		switch {
		case inParams && inSecrets:
			return nil, nil, errors.ConfigError(
				fmt.Sprintf("placeholder '%s' is both a parameter and a secret", name))
		case inParams:
			return paramVal, paramVal, nil
		case inSecrets:
			return secretVal, "[secret:" + name + "]", nil
		default:
			return nil, nil, errors.ValidationError(
				fmt.Sprintf("unresolved placeholder '%s'", name))
		}
	}

	resolved, err := Resolve(s, params, store)
	if err != nil {
		return nil, nil, err
	}
	return resolved.Value, resolved.Redacted, nil
}

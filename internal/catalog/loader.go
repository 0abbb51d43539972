package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"report-runner/internal/common/errors"
	"report-runner/internal/interpolate"
	"report-runner/internal/secrets"
)

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

var validParamTypes = map[string]bool{
	TypeString: true, TypeInt: true, TypeFloat: true, TypeBool: true,
	TypeArray: true, TypeObject: true,
}

var validGroups = map[string]bool{
	GroupDatabase: true, GroupDocGen: true, GroupComms: true,
}

// LoadFile loads and validates a catalog from a JSON file containing an
// array of action descriptors. Validation failures are configuration errors
// and halt startup. The secret store is probed (never enumerated) to verify
// that every placeholder has a source.
func LoadFile(path string, store secrets.Store) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("cannot read action catalog %s: %v", path, err))
	}
	return Load(data, store)
}

// Load parses and validates a catalog from raw JSON
func Load(data []byte, store secrets.Store) (*Catalog, error) {
	var descriptors []*ActionDescriptor
	if err := json.Unmarshal(data, &descriptors); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid action catalog JSON: %v", err))
	}

	c := New()
	for _, d := range descriptors {
		if err := validateDescriptor(d, store); err != nil {
			return nil, err
		}
		if err := c.Register(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func validateDescriptor(d *ActionDescriptor, store secrets.Store) error {
	if d.Name == "" {
		return errors.ConfigError("action descriptor has no name")
	}
	if !validGroups[d.Group] {
		return errors.ConfigError(fmt.Sprintf("action '%s': unknown group '%s'", d.Name, d.Group))
	}

	d.Method = strings.ToUpper(d.Method)
	if !validMethods[d.Method] {
		return errors.ConfigError(fmt.Sprintf("action '%s': unsupported method '%s'", d.Name, d.Method))
	}
	if d.URLTemplate == "" {
		return errors.ConfigError(fmt.Sprintf("action '%s': empty URL template", d.Name))
	}

	for name, spec := range d.Parameters {
		if !validParamTypes[spec.Type] {
			return errors.ConfigError(
				fmt.Sprintf("action '%s': parameter '%s' has unknown type '%s'", d.Name, name, spec.Type))
		}
	}

	// Every placeholder must be a declared parameter or resolvable from the
	// secret store; anything else would fail every invocation.
	for _, placeholder := range collectPlaceholders(d) {
		_, isParam := d.Parameters[placeholder]
		_, isSecret := store.Get(placeholder)
		if isParam && isSecret {
			return errors.ConfigError(
				fmt.Sprintf("action '%s': placeholder '%s' is both a parameter and a secret", d.Name, placeholder))
		}
		if !isParam && !isSecret {
			return errors.ConfigError(
				fmt.Sprintf("action '%s': placeholder '%s' is neither a parameter nor a secret", d.Name, placeholder))
		}
	}

	return nil
}

func collectPlaceholders(d *ActionDescriptor) []string {
	seen := make(map[string]bool)
	var names []string

	add := func(more []string) {
		for _, name := range more {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}

	add(interpolate.Placeholders(d.URLTemplate))
	for _, v := range d.HeaderTemplates {
		add(interpolate.Placeholders(v))
	}
	add(placeholdersInValue(d.BodyTemplate))

	return names
}

func placeholdersInValue(value interface{}) []string {
	switch v := value.(type) {
	case string:
		return interpolate.Placeholders(v)
	case map[string]interface{}:
		var names []string
		for _, val := range v {
			names = append(names, placeholdersInValue(val)...)
		}
		return names
	case []interface{}:
		var names []string
		for _, val := range v {
			names = append(names, placeholdersInValue(val)...)
		}
		return names
	default:
		return nil
	}
}

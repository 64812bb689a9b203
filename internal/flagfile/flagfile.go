// Package flagfile reads flag definitions from YAML or JSON documents.
//
// A document has a top-level "flags" list whose entries use the same field
// names as the HTTP API:
//
//	flags:
//	  - name: new-checkout
//	    enabled: true
//	    default_rollout_percentage: 10
//	    variants:
//	      - {key: control, weight: 50}
//	      - {key: treatment, weight: 50}
//
// Scalars keep their YAML meaning (numbers, booleans, null) except timestamps:
// an unquoted 2024-06-01 stays the string "2024-06-01", exactly as written.
package flagfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/matt-riley/rollout/internal/core"
)

var ErrDuplicateFlag = errors.New("duplicate flag name")

type document struct {
	Flags []core.FlagDefinition `json:"flags"`
}

// Load reads and parses the flag file at path.
func Load(path string) ([]core.FlagDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flag file: %w", err)
	}

	flags, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return flags, nil
}

// Parse decodes a flag document. Unknown fields and repeated flag names are
// errors; definitions are not validated.
func Parse(data []byte) ([]core.FlagDefinition, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse flag file: %w", err)
	}
	raw, err := plainValue(&root)
	if err != nil {
		return nil, fmt.Errorf("parse flag file: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	// Round-trip through JSON so attribute values and field names follow the
	// same rules as API requests.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse flag file: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.DisallowUnknownFields()

	var doc document
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse flag file: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Flags))
	for _, flag := range doc.Flags {
		if _, dup := seen[flag.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateFlag, flag.Name)
		}
		seen[flag.Name] = struct{}{}
	}

	return doc.Flags, nil
}

// plainValue converts a YAML node into maps, slices and scalars ready for
// JSON encoding. Timestamps are returned as their source text.
func plainValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return plainValue(n.Content[0])
	case yaml.AliasNode:
		return plainValue(n.Alias)
	case yaml.SequenceNode:
		items := make([]any, 0, len(n.Content))
		for _, child := range n.Content {
			v, err := plainValue(child)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case yaml.MappingNode:
		fields := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := plainValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			fields[n.Content[i].Value] = v
		}
		return fields, nil
	default:
		if n.ShortTag() == "!!timestamp" {
			return n.Value, nil
		}
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return v, nil
	}
}

// Validate runs [core.Validate] on every flag and joins the failures.
func Validate(flags []core.FlagDefinition) error {
	var errs []error
	for _, flag := range flags {
		if err := core.Validate(flag); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

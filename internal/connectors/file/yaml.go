package file

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
)

type yamlFormat struct{}

func (yamlFormat) kind() domain.SourceType { return domain.SourceTypeYAML }

func (yamlFormat) validate(p connector.Params, r *domain.ValidationResult) {}

// open streams documents. A sequence document yields one record per item, a
// mapping document yields itself unless recordsPath selects a nested sequence.
func (yamlFormat) open(src io.Reader, p connector.Params, _ string) (iterator, error) {
	dec := yaml.NewDecoder(src)
	path := splitPath(p.String("recordsPath"))
	var queue []*yaml.Node
	return newObjectIterator(p.Bool("flatten"), func() ([]string, domain.Record, error) {
		for len(queue) == 0 {
			var doc yaml.Node
			if err := dec.Decode(&doc); err != nil {
				if errors.Is(err, io.EOF) {
					return nil, nil, io.EOF
				}
				return nil, nil, fmt.Errorf("parse yaml: %w", err)
			}
			node := &doc
			if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
				node = node.Content[0]
			}
			if len(path) > 0 {
				var err error
				if node, err = yamlAtPath(node, path); err != nil {
					return nil, nil, err
				}
			}
			switch node.Kind {
			case yaml.SequenceNode:
				queue = append(queue, node.Content...)
			case yaml.MappingNode, yaml.ScalarNode, yaml.AliasNode:
				if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
					continue
				}
				queue = append(queue, node)
			}
		}
		n := queue[0]
		queue = queue[1:]
		return yamlRecord(n)
	}), nil
}

func yamlAtPath(node *yaml.Node, path []string) (*yaml.Node, error) {
	for _, seg := range path {
		if node.Kind != yaml.MappingNode {
			return nil, domain.NewError(domain.CodeInvalidOption, fmt.Sprintf("recordsPath: %q is not inside a mapping", seg), nil)
		}
		var next *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == seg {
				next = node.Content[i+1]
				break
			}
		}
		if next == nil {
			return nil, domain.NewError(domain.CodeInvalidOption, fmt.Sprintf("recordsPath: key %q not found", seg), nil)
		}
		node = next
	}
	if node.Kind != yaml.SequenceNode {
		return nil, domain.NewError(domain.CodeInvalidOption, "recordsPath must point to a sequence", nil)
	}
	return node, nil
}

func yamlRecord(n *yaml.Node) ([]string, domain.Record, error) {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	if n.Kind != yaml.MappingNode {
		var v interface{}
		if err := n.Decode(&v); err != nil {
			return nil, nil, fmt.Errorf("parse yaml: %w", err)
		}
		return []string{"value"}, domain.Record{"value": normalizeValue(v)}, nil
	}
	keys := make([]string, 0, len(n.Content)/2)
	rec := make(domain.Record, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		var v interface{}
		if err := n.Content[i+1].Decode(&v); err != nil {
			return nil, nil, fmt.Errorf("parse yaml key %s: %w", key, err)
		}
		if _, dup := rec[key]; !dup {
			keys = append(keys, key)
		}
		rec[key] = normalizeValue(v)
	}
	return keys, rec, nil
}

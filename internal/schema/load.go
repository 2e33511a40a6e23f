package schema

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// ParseYAML decodes and validates a schema document.
//
//	name: shop
//	tables:
//	  - name: item
//	    columns:
//	      - {name: id, type: integer}
//	      - {name: name, type: text, nullable: true}
//	    primary_key: [id]
func ParseYAML(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "parse schema")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads a YAML schema file.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read schema file")
	}
	s, err := ParseYAML(data)
	if err != nil {
		return nil, errors.Wrapf(err, "schema file %s", path)
	}
	return s, nil
}

// LoadPath loads a single schema file, or every *.yaml and *.yml file of a
// directory in name order. Each schema names one scope, so names must be
// unique.
func LoadPath(path string) ([]*Schema, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "schema path")
	}
	if !info.IsDir() {
		s, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		return []*Schema{s}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrap(err, "read schema dir")
	}
	var out []*Schema
	seen := make(map[string]string)
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		file := filepath.Join(path, e.Name())
		s, err := LoadFile(file)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[s.Name]; ok {
			return nil, errors.Newf("schema %q defined in both %s and %s", s.Name, prev, file)
		}
		seen[s.Name] = file
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, errors.Newf("no schema files in %s", path)
	}
	return out, nil
}

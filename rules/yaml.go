package rules

import (
	"context"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/teranos/vigil/errors"
)

// ImportResult summarizes a YAML import.
type ImportResult struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
}

// ParseYAML reads a rules document:
//
//	rules:
//	  - name: proxy-mkv
//	    trigger: {type: file_closed}
//	    conditions:
//	      - {field: file.extension, operator: in, value: [.mkv]}
//	    quiet_period_sec: 45
//	    actions:
//	      - {type: proxy}
//
// Rules default to enabled with priority 100.
func ParseYAML(r io.Reader) ([]*Rule, error) {
	var doc struct {
		Rules []yaml.Node `yaml:"rules"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, errors.Mark(errors.Wrap(err, "failed to parse rules yaml"), errors.ErrInvalidRequest)
	}

	out := make([]*Rule, 0, len(doc.Rules))
	for i := range doc.Rules {
		rule := &Rule{Enabled: true, Priority: 100}
		if err := doc.Rules[i].Decode(rule); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "rule %d (line %d)", i, doc.Rules[i].Line), errors.ErrInvalidRequest)
		}
		out = append(out, rule)
	}
	return out, nil
}

// Import upserts rules by name. Everything is validated before anything is written.
func (s *Store) Import(ctx context.Context, rules []*Rule) (ImportResult, error) {
	var res ImportResult
	for _, r := range rules {
		if err := r.Validate(s.actions); err != nil {
			return res, err
		}
	}
	for _, r := range rules {
		existing, err := s.GetByName(ctx, r.Name)
		switch {
		case errors.IsNotFound(err):
			if err := s.Create(ctx, r); err != nil {
				return res, err
			}
			res.Created = append(res.Created, r.Name)
		case err != nil:
			return res, err
		default:
			r.ID = existing.ID
			r.CreatedAt = existing.CreatedAt
			if err := s.Update(ctx, r); err != nil {
				return res, err
			}
			res.Updated = append(res.Updated, r.Name)
		}
	}
	return res, nil
}

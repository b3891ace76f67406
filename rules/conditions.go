package rules

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/teranos/vigil/errors"
)

// Operators
const (
	OpEquals      = "equals"
	OpContains    = "contains"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
	OpGreaterThan = "greater_than"
	OpGTE         = "gte"
	OpLessThan    = "less_than"
	OpLTE         = "lte"
	OpRegexMatch  = "regex_match"
	OpIn          = "in"
	OpFileExists  = "file_exists"
	OpHasTag      = "has_tag"
)

var knownOperators = map[string]bool{
	OpEquals: true, OpContains: true, OpStartsWith: true, OpEndsWith: true,
	OpGreaterThan: true, OpGTE: true, OpLessThan: true, OpLTE: true,
	OpRegexMatch: true, OpIn: true, OpFileExists: true, OpHasTag: true,
}

func (c Condition) validate() error {
	if c.Field == "" && c.Operator != OpHasTag {
		return errors.NewInvalidRequestError("condition field cannot be empty")
	}
	if !knownOperators[c.Operator] {
		return errors.Wrapf(errors.ErrUnknownOperator, "%q", c.Operator)
	}
	if c.Operator == OpRegexMatch {
		pattern, ok := c.Value.(string)
		if !ok {
			return errors.NewInvalidRequestError("regex_match needs a string pattern")
		}
		if _, err := compileRegex(pattern); err != nil {
			return err
		}
	}
	return nil
}

// Match reports whether every condition holds against ctx (AND semantics).
// matched lists a description of each condition that held, in order. A
// missing field or a type mismatch fails that condition without an error;
// an unknown operator or bad regex is an error.
func Match(conds []Condition, ctx map[string]interface{}) (bool, []string, error) {
	matched := make([]string, 0, len(conds))
	for _, c := range conds {
		ok, err := evalCondition(c, ctx)
		if err != nil {
			return false, matched, err
		}
		if !ok {
			return false, matched, nil
		}
		matched = append(matched, fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value))
	}
	return true, matched, nil
}

func evalCondition(c Condition, ctx map[string]interface{}) (bool, error) {
	if !knownOperators[c.Operator] {
		return false, errors.Wrapf(errors.ErrUnknownOperator, "%q", c.Operator)
	}

	if c.Operator == OpHasTag {
		field := c.Field
		if field == "" {
			field = "tags"
		}
		v, ok := Lookup(ctx, field)
		if !ok {
			return false, nil
		}
		tag, ok := c.Value.(string)
		if !ok {
			return false, nil
		}
		for _, t := range toSlice(v) {
			if s, ok := t.(string); ok && strings.EqualFold(s, tag) {
				return true, nil
			}
		}
		return false, nil
	}

	v, ok := Lookup(ctx, c.Field)
	if !ok {
		return false, nil
	}

	switch c.Operator {
	case OpEquals:
		return looseEqual(v, c.Value), nil
	case OpContains:
		if list, isList := v.([]interface{}); isList {
			return containsValue(list, c.Value), nil
		}
		s, t, ok := twoStrings(v, c.Value)
		return ok && strings.Contains(s, t), nil
	case OpStartsWith:
		s, t, ok := twoStrings(v, c.Value)
		return ok && strings.HasPrefix(s, t), nil
	case OpEndsWith:
		s, t, ok := twoStrings(v, c.Value)
		return ok && strings.HasSuffix(s, t), nil
	case OpGreaterThan, OpGTE, OpLessThan, OpLTE:
		a, aok := toFloat(v)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, nil
		}
		switch c.Operator {
		case OpGreaterThan:
			return a > b, nil
		case OpGTE:
			return a >= b, nil
		case OpLessThan:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case OpRegexMatch:
		pattern, ok := c.Value.(string)
		if !ok {
			return false, errors.NewInvalidRequestError("regex_match needs a string pattern")
		}
		re, err := compileRegex(pattern)
		if err != nil {
			return false, err
		}
		s, ok := v.(string)
		return ok && re.MatchString(s), nil
	case OpIn:
		return containsValue(toSlice(c.Value), v), nil
	case OpFileExists:
		path, ok := v.(string)
		if !ok || path == "" {
			return false, nil
		}
		_, err := os.Stat(path)
		exists := err == nil
		if want, ok := c.Value.(bool); ok {
			return exists == want, nil
		}
		return exists, nil
	}
	return false, nil
}

// Lookup resolves a dotted path ("file.extension") in a nested map.
func Lookup(ctx map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func twoStrings(a, b interface{}) (string, string, bool) {
	s, ok1 := a.(string)
	t, ok2 := b.(string)
	return s, t, ok1 && ok2
}

func looseEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if s, t, ok := twoStrings(a, b); ok {
		return s == t
	}
	return a == b
}

func containsValue(list []interface{}, v interface{}) bool {
	for _, item := range list {
		if looseEqual(item, v) {
			return true
		}
	}
	return false
}

func toSlice(v interface{}) []interface{} {
	switch t := v.(type) {
	case []interface{}:
		return t
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case string:
		parts := strings.Split(t, ",")
		out := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

// toFloat accepts numbers and numeric strings; time values compare as unix seconds.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case time.Time:
		return float64(n.Unix()), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var regexCache sync.Map // pattern -> *regexp.Regexp

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.WithHint(errors.NewInvalidRequestError("invalid regex %q: %v", pattern, err), "patterns use Go RE2 syntax")
	}
	regexCache.Store(pattern, re)
	return re, nil
}

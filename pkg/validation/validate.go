// Package validation checks activity content against externally supplied
// rule sets. Each (type, role) pair maps to one rule set; streamed
// activities that fail their rules abort the owning run.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"inboxdb/pkg/models"
)

// Rules is one (type, role) rule set over the activity's content document.
// Paths are dot-separated; "*" selects the first element of an array.
type Rules struct {
	Required []string
	Types    map[string]string
	MaxLen   map[string]int
	Enums    map[string][]string
	WhenThen []WhenThenRule
}

type WhenThenRule struct {
	WhenPath string
	Equals   interface{}
	ThenReq  []string
}

// ErrNoRules is returned when no rule set exists for a (type, role) pair.
// Unknown pairs fail closed: an activity the config never described cannot
// be trusted into the store.
var ErrNoRules = errors.New("no validation rules for activity type/role")

var (
	mu    sync.RWMutex
	rules map[string]Rules
)

func pairKey(typ, role string) string { return typ + "/" + role }

// SetActivityRules installs the rule sets, replacing any previous mapping.
func SetActivityRules(m map[string]Rules) {
	mu.Lock()
	defer mu.Unlock()
	rules = m
}

// RulesFor returns the rule set for a (type, role) pair.
func RulesFor(typ, role string) (Rules, bool) {
	mu.RLock()
	defer mu.RUnlock()
	r, ok := rules[pairKey(typ, role)]
	return r, ok
}

// ValidateActivity checks a's content against the rule set its declared
// (type, role) pair maps to.
func ValidateActivity(a models.Activity) error {
	if a.Type == "" || a.Role == "" {
		return fmt.Errorf("activity missing type or role")
	}
	r, ok := RulesFor(a.Type, a.Role)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNoRules, a.Type, a.Role)
	}

	var root interface{}
	if len(a.Content) > 0 {
		if err := json.Unmarshal(a.Content, &root); err != nil {
			return fmt.Errorf("content is not valid JSON: %w", err)
		}
	}

	var errs []string
	for _, p := range r.Required {
		if !existsAt(root, p) {
			errs = append(errs, fmt.Sprintf("required path missing: %s", p))
		}
	}
	for p, t := range r.Types {
		if v, ok := valueAt(root, p); ok {
			if !typeMatches(v, t) {
				errs = append(errs, fmt.Sprintf("type mismatch at %s: expected %s", p, t))
			}
		}
	}
	for p, max := range r.MaxLen {
		if v, ok := valueAt(root, p); ok {
			switch vv := v.(type) {
			case string:
				if len(vv) > max {
					errs = append(errs, fmt.Sprintf("max length exceeded at %s: %d > %d", p, len(vv), max))
				}
			case []interface{}:
				if len(vv) > max {
					errs = append(errs, fmt.Sprintf("max length exceeded at %s: %d > %d", p, len(vv), max))
				}
			}
		}
	}
	for p, vals := range r.Enums {
		if v, ok := valueAt(root, p); ok {
			if s, ok2 := v.(string); ok2 {
				if !contains(vals, s) {
					errs = append(errs, fmt.Sprintf("invalid enum at %s", p))
				}
			}
		}
	}
	for _, wt := range r.WhenThen {
		if v, ok := valueAt(root, wt.WhenPath); ok {
			if equalsJSONValue(v, wt.Equals) {
				for _, p := range wt.ThenReq {
					if !existsAt(root, p) {
						errs = append(errs, fmt.Sprintf("required by rule (when %s == %v): %s", wt.WhenPath, wt.Equals, p))
					}
				}
			}
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func existsAt(root interface{}, path string) bool {
	_, ok := valueAt(root, path)
	return ok
}

func valueAt(root interface{}, path string) (interface{}, bool) {
	segs := strings.Split(path, ".")
	cur := root
	for _, s := range segs {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[s]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			if s == "*" {
				if len(node) == 0 {
					return nil, false
				}
				cur = node[0]
			} else if idx, err := strconv.Atoi(s); err == nil {
				if idx < 0 || idx >= len(node) {
					return nil, false
				}
				cur = node[idx]
			} else {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	return cur, true
}

func typeMatches(v interface{}, t string) bool {
	switch strings.ToLower(t) {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		default:
			return false
		}
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	case "array":
		_, ok := v.([]interface{})
		return ok
	default:
		return true
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func equalsJSONValue(a interface{}, b interface{}) bool {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return av == bv
		}
	case float64:
		switch bv := b.(type) {
		case float64:
			return av == bv
		case int:
			return av == float64(bv)
		case int64:
			return av == float64(bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return av == bv
		}
	case map[string]interface{}, []interface{}:
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// FromConfig builds the rule map from decoded config entries. cfgRules is
// keyed by "<type>/<role>".
func FromConfig(entries []ConfigEntry) map[string]Rules {
	out := map[string]Rules{}
	for _, e := range entries {
		r := Rules{Types: map[string]string{}, MaxLen: map[string]int{}, Enums: map[string][]string{}}
		r.Required = append(r.Required, e.Required...)
		for _, t := range e.Types {
			r.Types[t.Path] = t.Type
		}
		for _, ml := range e.MaxLen {
			r.MaxLen[ml.Path] = ml.Max
		}
		for _, en := range e.Enums {
			r.Enums[en.Path] = append([]string{}, en.Values...)
		}
		for _, wt := range e.WhenThen {
			r.WhenThen = append(r.WhenThen, WhenThenRule{WhenPath: wt.WhenPath, Equals: wt.Equals, ThenReq: append([]string{}, wt.ThenReq...)})
		}
		out[pairKey(e.Type, e.Role)] = r
	}
	return out
}

// ConfigEntry is a transport-neutral rule set used by FromConfig; the
// config package maps its YAML shapes onto it.
type ConfigEntry struct {
	Type     string
	Role     string
	Required []string
	Types    []PathType
	MaxLen   []PathMax
	Enums    []PathValues
	WhenThen []WhenThenEntry
}

type PathType struct {
	Path string
	Type string
}

type PathMax struct {
	Path string
	Max  int
}

type PathValues struct {
	Path   string
	Values []string
}

type WhenThenEntry struct {
	WhenPath string
	Equals   interface{}
	ThenReq  []string
}

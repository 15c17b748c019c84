package plan

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"nathanbeddoewebdev/benchctl/internal/util"
)

// AttrKind is the type of a step attribute.
type AttrKind string

const (
	KindInt      AttrKind = "int"
	KindString   AttrKind = "string"
	KindPath     AttrKind = "path"
	KindEnum     AttrKind = "enum"
	KindBool     AttrKind = "bool"
	KindList     AttrKind = "list"
	KindDuration AttrKind = "duration"
)

// AttrSpec describes one attribute of a step kind.
type AttrSpec struct {
	Name     string
	Kind     AttrKind
	Help     string
	Default  any
	Choices  []string
	Required bool
	// check validates an already converted value.
	check func(any) error
}

// Attribute is implemented by the typed attribute descriptors.
type Attribute interface {
	Spec() AttrSpec
}

// IntAttr is an integer attribute. Min and Max bound the value when Max is
// greater than Min.
type IntAttr struct {
	Name, Help string
	Default    int
	Min, Max   int
	Required   bool
}

func (a IntAttr) Spec() AttrSpec {
	s := AttrSpec{Name: a.Name, Kind: KindInt, Help: a.Help, Default: a.Default, Required: a.Required}
	if a.Max > a.Min {
		s.check = func(v any) error {
			if i := v.(int); i < a.Min || i > a.Max {
				return fmt.Errorf("must be between %d and %d", a.Min, a.Max)
			}
			return nil
		}
	}
	return s
}

func (a IntAttr) Get(attrs *Attributes) int {
	v, _ := attrs.Get(a.Name).(int)
	return v
}

// StringAttr is a free-form string attribute.
type StringAttr struct {
	Name, Help string
	Default    string
	Required   bool
}

func (a StringAttr) Spec() AttrSpec {
	return AttrSpec{Name: a.Name, Kind: KindString, Help: a.Help, Default: a.Default, Required: a.Required}
}

func (a StringAttr) Get(attrs *Attributes) string {
	v, _ := attrs.Get(a.Name).(string)
	return v
}

// PathAttr is a filesystem path. A leading "~/" expands to the home
// directory.
type PathAttr struct {
	Name, Help string
	Default    string
	Required   bool
}

func (a PathAttr) Spec() AttrSpec {
	return AttrSpec{Name: a.Name, Kind: KindPath, Help: a.Help, Default: a.Default, Required: a.Required}
}

func (a PathAttr) Get(attrs *Attributes) string {
	v, _ := attrs.Get(a.Name).(string)
	return v
}

// EnumAttr is a string restricted to Choices.
type EnumAttr struct {
	Name, Help string
	Default    string
	Choices    []string
}

func (a EnumAttr) Spec() AttrSpec {
	return AttrSpec{Name: a.Name, Kind: KindEnum, Help: a.Help, Default: a.Default, Choices: a.Choices}
}

func (a EnumAttr) Get(attrs *Attributes) string {
	v, _ := attrs.Get(a.Name).(string)
	return v
}

// BoolAttr is a boolean attribute.
type BoolAttr struct {
	Name, Help string
	Default    bool
}

func (a BoolAttr) Spec() AttrSpec {
	return AttrSpec{Name: a.Name, Kind: KindBool, Help: a.Help, Default: a.Default}
}

func (a BoolAttr) Get(attrs *Attributes) bool {
	v, _ := attrs.Get(a.Name).(bool)
	return v
}

// ListAttr is a list of strings. A string value is split on commas.
type ListAttr struct {
	Name, Help string
	Default    []string
	Required   bool
}

func (a ListAttr) Spec() AttrSpec {
	return AttrSpec{Name: a.Name, Kind: KindList, Help: a.Help, Default: a.Default, Required: a.Required}
}

func (a ListAttr) Get(attrs *Attributes) []string {
	v, _ := attrs.Get(a.Name).([]string)
	return slices.Clone(v)
}

// DurationAttr is a duration. Plain numbers are seconds.
type DurationAttr struct {
	Name, Help string
	Default    time.Duration
	Required   bool
}

func (a DurationAttr) Spec() AttrSpec {
	return AttrSpec{Name: a.Name, Kind: KindDuration, Help: a.Help, Default: a.Default, Required: a.Required,
		check: func(v any) error {
			if v.(time.Duration) < 0 {
				return fmt.Errorf("must not be negative")
			}
			return nil
		}}
}

func (a DurationAttr) Get(attrs *Attributes) time.Duration {
	v, _ := attrs.Get(a.Name).(time.Duration)
	return v
}

// Attributes holds the attribute values of one step.
type Attributes struct {
	specs  []AttrSpec
	values map[string]any
}

// NewAttributes returns attributes for defs, all at their defaults.
func NewAttributes(defs ...Attribute) *Attributes {
	a := &Attributes{values: map[string]any{}}
	for _, d := range defs {
		a.specs = append(a.specs, d.Spec())
	}
	return a
}

// Specs returns the attribute specs in declaration order.
func (a *Attributes) Specs() []AttrSpec {
	return slices.Clone(a.specs)
}

func (a *Attributes) spec(name string) (AttrSpec, bool) {
	key := util.NormalizeKey(name)
	for _, s := range a.specs {
		if s.Name == key {
			return s, true
		}
	}
	return AttrSpec{}, false
}

// Get returns the value of name, or its default when unset.
func (a *Attributes) Get(name string) any {
	s, ok := a.spec(name)
	if !ok {
		return nil
	}
	if v, ok := a.values[s.Name]; ok {
		return v
	}
	if s.Kind == KindList {
		if l, ok := s.Default.([]string); ok {
			return slices.Clone(l)
		}
		return []string(nil)
	}
	return s.Default
}

// IsSet reports whether name was explicitly set.
func (a *Attributes) IsSet(name string) bool {
	_, ok := a.values[util.NormalizeKey(name)]
	return ok
}

// Set converts and validates value for attribute name. Strings are parsed
// according to the attribute kind.
func (a *Attributes) Set(name string, value any) error {
	s, ok := a.spec(name)
	if !ok {
		return fmt.Errorf("plan: unknown attribute %q", name)
	}
	v, err := convert(s, value)
	if err != nil {
		return fmt.Errorf("plan: attribute %q: %w", s.Name, err)
	}
	if s.check != nil {
		if err := s.check(v); err != nil {
			return fmt.Errorf("plan: attribute %q: %w", s.Name, err)
		}
	}
	a.values[s.Name] = v
	return nil
}

// Validate reports required attributes that are unset.
func (a *Attributes) Validate() error {
	var missing []string
	for _, s := range a.specs {
		if !s.Required {
			continue
		}
		v, set := a.values[s.Name]
		if !set || isEmpty(v) {
			missing = append(missing, s.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("plan: missing required attributes: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Clone returns a deep copy.
func (a *Attributes) Clone() *Attributes {
	c := &Attributes{specs: slices.Clone(a.specs), values: make(map[string]any, len(a.values))}
	for k, v := range a.values {
		if l, ok := v.([]string); ok {
			v = slices.Clone(l)
		}
		c.values[k] = v
	}
	return c
}

// Format renders the value of name for display and plan files.
func (a *Attributes) Format(name string) string {
	switch v := a.Get(name).(type) {
	case nil:
		return ""
	case []string:
		return strings.Join(v, ",")
	case time.Duration:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Explicit returns the explicitly set values keyed by name, formatted as
// strings.
func (a *Attributes) Explicit() map[string]string {
	out := make(map[string]string, len(a.values))
	for name := range a.values {
		out[name] = a.Format(name)
	}
	return out
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case string:
		return x == ""
	case []string:
		return len(x) == 0
	}
	return false
}

func convert(s AttrSpec, value any) (any, error) {
	switch s.Kind {
	case KindInt:
		return toInt(value)
	case KindString:
		return toString(value)
	case KindPath:
		str, err := toString(value)
		if err != nil || str == "" {
			return str, err
		}
		return expandPath(str)
	case KindEnum:
		str, err := toString(value)
		if err != nil {
			return nil, err
		}
		key := util.NormalizeKey(str)
		for _, c := range s.Choices {
			if util.NormalizeKey(c) == key {
				return c, nil
			}
		}
		return nil, fmt.Errorf("%q is not one of %s", str, strings.Join(s.Choices, ", "))
	case KindBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("invalid bool %q", v)
			}
			return b, nil
		}
	case KindList:
		switch v := value.(type) {
		case []string:
			return slices.Clone(v), nil
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				str, err := toString(item)
				if err != nil {
					return nil, err
				}
				out = append(out, str)
			}
			return out, nil
		case string:
			var out []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			return out, nil
		}
	case KindDuration:
		switch v := value.(type) {
		case time.Duration:
			return v, nil
		case int:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case string:
			v = strings.TrimSpace(v)
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q", v)
			}
			return d, nil
		}
	default:
		return nil, fmt.Errorf("unsupported kind %q", s.Kind)
	}
	return nil, fmt.Errorf("cannot use %T as %s", value, s.Kind)
}

func toInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int(v), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", v)
		}
		return i, nil
	}
	return 0, fmt.Errorf("cannot use %T as int", value)
}

func toString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case int, int64, float64, bool:
		return fmt.Sprint(v), nil
	}
	return "", fmt.Errorf("cannot use %T as string", value)
}

func expandPath(p string) (string, error) {
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, rest)
	}
	return filepath.Clean(p), nil
}

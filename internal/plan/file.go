package plan

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the YAML form of a test plan.
type File struct {
	Name  string     `yaml:"name"`
	Steps []StepFile `yaml:"steps"`
}

// StepFile is the YAML form of one step.
type StepFile struct {
	Kind          string         `yaml:"kind"`
	Name          string         `yaml:"name,omitempty"`
	Enabled       *bool          `yaml:"enabled,omitempty"`
	Repeat        int            `yaml:"repeat,omitempty"`
	StopOnFailure *bool          `yaml:"stop-on-failure,omitempty"`
	Retries       int            `yaml:"retries,omitempty"`
	RetryDelay    string         `yaml:"retry-delay,omitempty"`
	Attrs         map[string]any `yaml:"attrs,omitempty"`
}

// LoadFile reads a plan from path.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("plan: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a plan from r. Unknown keys are rejected.
func Decode(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("plan: empty plan")
		}
		return nil, fmt.Errorf("plan: decode: %w", err)
	}
	return &f, nil
}

// Build creates the steps of f from the registry.
func (f *File) Build() ([]*Step, error) {
	steps := make([]*Step, 0, len(f.Steps))
	for i, sf := range f.Steps {
		st, err := sf.build()
		if err != nil {
			return nil, fmt.Errorf("plan: step %d: %w", i+1, err)
		}
		steps = append(steps, st)
	}
	return steps, nil
}

// Sequence builds a sequence running f in env.
func (f *File) Sequence(env *Env) (*Sequence, error) {
	steps, err := f.Build()
	if err != nil {
		return nil, err
	}
	return NewSequence(f.Name, env, steps...), nil
}

func (sf StepFile) build() (*Step, error) {
	st, err := NewStep(sf.Kind)
	if err != nil {
		return nil, err
	}
	if sf.Name != "" {
		st.Name = sf.Name
	}
	if sf.Enabled != nil {
		st.Enabled = *sf.Enabled
	}
	if sf.Repeat != 0 {
		st.Repeat = sf.Repeat
	}
	if sf.StopOnFailure != nil {
		st.StopOnFailure = *sf.StopOnFailure
	}
	st.Retries = sf.Retries
	if sf.RetryDelay != "" {
		d, err := time.ParseDuration(sf.RetryDelay)
		if err != nil {
			return nil, fmt.Errorf("invalid retry-delay %q", sf.RetryDelay)
		}
		st.RetryDelay = d
	}

	names := make([]string, 0, len(sf.Attrs))
	for name := range sf.Attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := st.Attrs.Set(name, sf.Attrs[name]); err != nil {
			return nil, err
		}
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

// FromSequence returns the file form of name and steps. Only explicitly
// set attributes are written.
func FromSequence(name string, steps []*Step) *File {
	f := &File{Name: name}
	for _, st := range steps {
		sf := StepFile{Kind: st.Kind, Repeat: st.Repeat, Retries: st.Retries}
		if st.Name != st.Kind {
			sf.Name = st.Name
		}
		if !st.Enabled {
			sf.Enabled = new(bool)
		}
		if !st.StopOnFailure {
			sf.StopOnFailure = new(bool)
		}
		if st.RetryDelay > 0 {
			sf.RetryDelay = st.RetryDelay.String()
		}
		if sf.Repeat == 1 {
			sf.Repeat = 0
		}
		if explicit := st.Attrs.Explicit(); len(explicit) > 0 {
			sf.Attrs = make(map[string]any, len(explicit))
			for k, v := range explicit {
				sf.Attrs[k] = v
			}
		}
		f.Steps = append(f.Steps, sf)
	}
	return f
}

// Encode writes f as YAML.
func (f *File) Encode(w io.Writer) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("plan: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("plan: encode: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

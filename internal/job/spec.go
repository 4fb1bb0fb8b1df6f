package job

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/withObsrvr/tomo-refiner/internal/config"
	"github.com/withObsrvr/tomo-refiner/internal/resolution"
)

// ErrMissingInput is returned when a kind's required input is not supplied.
var ErrMissingInput = errors.New("missing job input")

// ErrNoCommand is returned when no program is configured for a kind that
// runs on an external backend.
var ErrNoCommand = errors.New("no command configured")

// Param is one named job parameter.
type Param struct {
	Name  string
	Value string
}

// Inputs carries everything a populate function may read. Only the fields a
// kind needs are checked.
type Inputs struct {
	Tier          resolution.Tier
	BoxSize       int
	SamplingStep  float64
	Lowpass       float64
	PixelSize     float64
	Reference     string
	Particles     string
	Tomograms     string
	Mask          string
	HalfMap       string
	MaskEdgeWidth int
	NumClasses    int
	KeepClasses   []int
	Extra         map[string]string
}

// Spec is a fully populated job specification. It is a value: every
// accessor returns copies, so a Spec can be shared between stages.
type Spec struct {
	kind      Kind
	tier      resolution.Tier
	params    []Param
	command   []string
	resources config.Resources
}

func (s Spec) Kind() Kind                  { return s.kind }
func (s Spec) Tier() resolution.Tier       { return s.tier }
func (s Spec) Resources() config.Resources { return s.resources }

// Params returns a copy of the ordered parameter list.
func (s Spec) Params() []Param {
	return append([]Param(nil), s.params...)
}

// Param looks up a parameter value by name.
func (s Spec) Param(name string) (string, bool) {
	for _, p := range s.params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Command returns a copy of the configured program argv prefix.
func (s Spec) Command() []string {
	return append([]string(nil), s.command...)
}

// Argv renders the full command line writing into outDir.
func (s Spec) Argv(outDir string) ([]string, error) {
	if len(s.command) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoCommand, s.kind)
	}
	argv := s.Command()
	for _, p := range s.params {
		argv = append(argv, "--"+p.Name)
		if p.Value != "" {
			argv = append(argv, p.Value)
		}
	}
	return append(argv, "--o", outDir), nil
}

func (s Spec) String() string {
	return fmt.Sprintf("%s@%s", s.kind, s.tier.Key())
}

// Builder turns Inputs into Specs using the dispatch table.
type Builder struct {
	commands  map[string][]string
	resources config.Resources
}

// NewBuilder creates a builder. commands maps kind names to argv prefixes.
func NewBuilder(commands map[string][]string, resources config.Resources) *Builder {
	cp := make(map[string][]string, len(commands))
	for k, v := range commands {
		cp[k] = append([]string(nil), v...)
	}
	return &Builder{commands: cp, resources: resources}
}

// Build populates a spec for kind from in.
func (b *Builder) Build(kind Kind, in Inputs) (Spec, error) {
	entry, ok := dispatch[kind]
	if !ok {
		return Spec{}, fmt.Errorf("unknown job kind %q", kind)
	}
	params, err := entry.populate(in)
	if err != nil {
		return Spec{}, fmt.Errorf("populate %s: %w", kind, err)
	}
	params = append(params, resourceParams(kind, b.resources)...)
	params = append(params, extraParams(in.Extra)...)

	return Spec{
		kind:      kind,
		tier:      in.Tier,
		params:    params,
		command:   append([]string(nil), b.commands[string(kind)]...),
		resources: b.resources,
	}, nil
}

func resourceParams(kind Kind, r config.Resources) []Param {
	if !dispatch[kind].external {
		return nil
	}
	params := []Param{{"j", strconv.Itoa(r.Threads)}}
	if r.GPUs > 0 && dispatch[kind].gpu {
		params = append(params, Param{"gpu", ""})
	}
	return params
}

func extraParams(extra map[string]string) []Param {
	if len(extra) == 0 {
		return nil
	}
	names := make([]string, 0, len(extra))
	for k := range extra {
		names = append(names, k)
	}
	sort.Strings(names)
	params := make([]Param, 0, len(names))
	for _, n := range names {
		params = append(params, Param{n, extra[n]})
	}
	return params
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

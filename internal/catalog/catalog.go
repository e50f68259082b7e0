// Package catalog holds the directory catalog: the sites a job can be submitted
// to, how the business payload maps onto each site's form, and the ordering
// policy used when a job is expanded.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"submission-dispatcher/internal/executor"
	"submission-dispatcher/internal/models"
)

// Directory is one submission target.
type Directory struct {
	Name      string `yaml:"name"`
	SubmitURL string `yaml:"submit_url"`
	// FieldMapping maps a form field on the site to a business payload key.
	FieldMapping map[string]string `yaml:"field_mapping"`
	Steps        []string          `yaml:"steps"`
	SuccessRate  float64           `yaml:"success_rate"`
	Paused       bool              `yaml:"paused"`
}

// Catalog is an ordered, immutable directory list.
type Catalog struct {
	dirs []Directory
}

type file struct {
	Directories []Directory `yaml:"directories"`
}

// Load reads a catalog YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return New(f.Directories...)
}

// New validates and wraps directories in the given order.
func New(dirs ...Directory) (*Catalog, error) {
	seen := make(map[string]struct{}, len(dirs))
	out := make([]Directory, 0, len(dirs))
	for i, d := range dirs {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return nil, fmt.Errorf("directory %d: name is required", i)
		}
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("directory %q: duplicate name", d.Name)
		}
		if d.SubmitURL == "" {
			return nil, fmt.Errorf("directory %q: submit_url is required", d.Name)
		}
		if d.SuccessRate < 0 || d.SuccessRate > 1 {
			return nil, fmt.Errorf("directory %q: success_rate must be within [0,1]", d.Name)
		}
		seen[d.Name] = struct{}{}
		out = append(out, d)
	}
	return &Catalog{dirs: out}, nil
}

// Active returns the directories that accept submissions, in catalog order.
func (c *Catalog) Active() []Directory {
	out := make([]Directory, 0, len(c.dirs))
	for _, d := range c.dirs {
		if !d.Paused {
			out = append(out, d)
		}
	}
	return out
}

// Select returns the first n active directories.
func (c *Catalog) Select(n int) []Directory {
	active := c.Active()
	if n < len(active) {
		active = active[:n]
	}
	return active
}

// Get finds a directory by name.
func (c *Catalog) Get(name string) (Directory, bool) {
	for _, d := range c.dirs {
		if d.Name == name {
			return d, true
		}
	}
	return Directory{}, false
}

// Prioritizer reorders the directories selected for a job.
type Prioritizer interface {
	Prioritize(job models.Job, dirs []Directory) []Directory
}

// PrioritizerFunc adapts a function to Prioritizer.
type PrioritizerFunc func(job models.Job, dirs []Directory) []Directory

func (f PrioritizerFunc) Prioritize(job models.Job, dirs []Directory) []Directory {
	return f(job, dirs)
}

// BySuccessRate puts directories with higher historical success rates first.
// Ties keep catalog order.
var BySuccessRate Prioritizer = PrioritizerFunc(func(_ models.Job, dirs []Directory) []Directory {
	out := append([]Directory(nil), dirs...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SuccessRate > out[j].SuccessRate
	})
	return out
})

// ErrNotPermutation reports a prioritizer that added, dropped or duplicated directories.
var ErrNotPermutation = errors.New("prioritizer result is not a permutation of its input")

// Expand selects the job's directories and orders them with p. If p returns
// anything other than a reordering of the selection, the selection is used as is.
func (c *Catalog) Expand(job models.Job, p Prioritizer) ([]Directory, error) {
	selected := c.Select(job.PackageSize)
	if p == nil || len(selected) < 2 {
		return selected, nil
	}
	ordered := p.Prioritize(job, append([]Directory(nil), selected...))
	if !isPermutation(selected, ordered) {
		return selected, ErrNotPermutation
	}
	return ordered, nil
}

func isPermutation(in, out []Directory) bool {
	if len(in) != len(out) {
		return false
	}
	counts := make(map[string]int, len(in))
	for _, d := range in {
		counts[d.Name]++
	}
	for _, d := range out {
		counts[d.Name]--
		if counts[d.Name] < 0 {
			return false
		}
	}
	return true
}

// Fields resolves the directory's field mapping against the business payload.
// Form fields whose payload key is absent are omitted.
func (d Directory) Fields(payload map[string]any) map[string]string {
	out := make(map[string]string, len(d.FieldMapping))
	for field, key := range d.FieldMapping {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		out[field] = stringify(v)
	}
	return out
}

// JSON numbers arrive as float64; render them without exponents.
func stringify(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// Plan builds the executor plan for submitting job to d.
func (d Directory) Plan(job models.Job, idempotencyKey string) executor.Plan {
	return executor.Plan{
		JobID:          job.ID,
		Directory:      d.Name,
		IdempotencyKey: idempotencyKey,
		TargetURL:      d.SubmitURL,
		FieldMapping:   d.Fields(job.BusinessPayload),
		Steps:          append([]string(nil), d.Steps...),
	}
}

// Package rubric holds the fixed category table used to score a presentation.
package rubric

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vango-go/evalroom/pkg/core"
	"github.com/vango-go/evalroom/pkg/core/session"
)

// Live signals rated by the speech engine on every accepted segment.
const (
	SignalContent    = "content"
	SignalDelivery   = "delivery"
	SignalEngagement = "engagement"

	// SignalScale is the upper bound of a live signal rating.
	SignalScale = 10.0
)

var knownSignals = map[string]struct{}{
	SignalContent:    {},
	SignalDelivery:   {},
	SignalEngagement: {},
}

type Category struct {
	Name        string  `yaml:"name" json:"name"`
	Max         float64 `yaml:"max" json:"max"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	// Signal binds the category to a live signal; its partial score is the
	// running mean of that signal scaled to Max.
	Signal string `yaml:"signal,omitempty" json:"signal,omitempty"`
}

type Rubric struct {
	categories []Category
	index      map[string]int
}

type fileFormat struct {
	Categories []Category `yaml:"categories"`
}

// Default returns the standard seven-category, 100 point rubric.
func Default() *Rubric {
	r, err := New([]Category{
		{Name: "Project Content", Max: 20, Signal: SignalContent, Description: "Depth, relevance and correctness of the topic"},
		{Name: "Algorithm Used", Max: 15, Description: "Choice and justification of the algorithms"},
		{Name: "Student Skill Level", Max: 15, Description: "Mastery of concepts, confidence and critical thinking"},
		{Name: "Slide Design & Visuals", Max: 10, Description: "Clarity, aesthetics and information delivery"},
		{Name: "Communication & Delivery", Max: 20, Signal: SignalDelivery, Description: "Oral presentation skill, engagement and flow"},
		{Name: "Handling of Questions", Max: 10, Signal: SignalEngagement, Description: "Ability to answer, clarity and adaptability"},
		{Name: "Research Process & Methodology", Max: 10, Description: "Approach, application and reproducibility"},
	})
	if err != nil {
		panic(err)
	}
	return r
}

// New validates categories and builds a rubric. Every problem is reported.
func New(categories []Category) (*Rubric, error) {
	var result *multierror.Error
	if len(categories) == 0 {
		result = multierror.Append(result, fmt.Errorf("rubric must define at least one category"))
	}

	r := &Rubric{index: make(map[string]int, len(categories))}
	for i, c := range categories {
		c.Name = strings.TrimSpace(c.Name)
		c.Signal = strings.TrimSpace(c.Signal)
		if c.Name == "" {
			result = multierror.Append(result, fmt.Errorf("category %d: name is required", i))
			continue
		}
		if _, dup := r.index[c.Name]; dup {
			result = multierror.Append(result, fmt.Errorf("category %q: duplicate name", c.Name))
			continue
		}
		if c.Max <= 0 {
			result = multierror.Append(result, fmt.Errorf("category %q: max must be > 0", c.Name))
		}
		if c.Signal != "" {
			if _, ok := knownSignals[c.Signal]; !ok {
				result = multierror.Append(result, fmt.Errorf("category %q: unknown signal %q", c.Name, c.Signal))
			}
		}
		r.index[c.Name] = len(r.categories)
		r.categories = append(r.categories, c)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return r, nil
}

// Parse reads a YAML rubric document.
func Parse(data []byte) (*Rubric, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rubric: %w", err)
	}
	return New(f.Categories)
}

// Load reads a YAML rubric file. An empty path yields the default rubric.
func Load(path string) (*Rubric, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rubric %q: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rubric %q: %w", path, err)
	}
	return r, nil
}

// Marshal renders the rubric in the file format accepted by Parse.
func (r *Rubric) Marshal() ([]byte, error) {
	return yaml.Marshal(fileFormat{Categories: r.Categories()})
}

func (r *Rubric) Categories() []Category {
	return append([]Category(nil), r.categories...)
}

func (r *Rubric) Names() []string {
	out := make([]string, len(r.categories))
	for i, c := range r.categories {
		out[i] = c.Name
	}
	return out
}

func (r *Rubric) Max(name string) (float64, bool) {
	i, ok := r.index[name]
	if !ok {
		return 0, false
	}
	return r.categories[i].Max, true
}

// Total is the sum of all category maxima.
func (r *Rubric) Total() float64 {
	sum := decimal.Zero
	for _, c := range r.categories {
		sum = sum.Add(decimal.NewFromFloat(c.Max))
	}
	f, _ := sum.Float64()
	return f
}

// ValidateScore rejects unknown categories and values outside [0, max].
func (r *Rubric) ValidateScore(name string, value float64) error {
	max, ok := r.Max(name)
	if !ok {
		return core.NewInvalidRequestErrorWithParam(fmt.Sprintf("unknown category %q", name), "scores")
	}
	if value < 0 || value > max {
		return core.ErrScoreOutOfRange.Withf("score %g for %q is outside [0, %g]", value, name, max).WithParam("scores")
	}
	return nil
}

func (r *Rubric) ValidateScores(scores map[string]float64) error {
	for _, name := range r.Names() {
		v, ok := scores[name]
		if !ok {
			continue
		}
		if err := r.ValidateScore(name, v); err != nil {
			return err
		}
	}
	for name := range scores {
		if _, ok := r.index[name]; !ok {
			return r.ValidateScore(name, scores[name])
		}
	}
	return nil
}

// Clamp bounds value to [0, max] for a known category.
func (r *Rubric) Clamp(name string, value float64) float64 {
	max, ok := r.Max(name)
	if !ok || value < 0 {
		return 0
	}
	if value > max {
		return max
	}
	return value
}

// FromSignals derives partial category scores from live signal tallies.
func (r *Rubric) FromSignals(tallies map[string]session.SignalTally) map[string]float64 {
	out := map[string]float64{}
	for _, c := range r.categories {
		if c.Signal == "" {
			continue
		}
		tally, ok := tallies[c.Signal]
		if !ok || tally.Count == 0 {
			continue
		}
		mean := clampFloat(tally.Mean(), 0, SignalScale)
		scaled := decimal.NewFromFloat(mean).
			Div(decimal.NewFromFloat(SignalScale)).
			Mul(decimal.NewFromFloat(c.Max)).
			Round(2)
		v, _ := scaled.Float64()
		out[c.Name] = r.Clamp(c.Name, v)
	}
	return out
}

// IsSignal reports whether name is a live signal the engine may rate.
func IsSignal(name string) bool {
	_, ok := knownSignals[name]
	return ok
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Package delegation assembles everything an agent needs to pick up a
// backlog item: the task, its category and test checklist, nearby
// dependencies, relevant files, scheduling context and a rendered prompt.
package delegation

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/imkarma/foreman/internal/complexity"
	"github.com/imkarma/foreman/internal/coord"
	"github.com/imkarma/foreman/internal/recommend"
	"github.com/imkarma/foreman/internal/store"
)

// Category is the kind of change an item asks for.
type Category string

const (
	CategoryFeature  Category = "FEATURE"
	CategoryBug      Category = "BUG"
	CategoryRefactor Category = "REFACTOR"
	CategoryTest     Category = "TEST"
	CategoryDoc      Category = "DOC"
)

// Checked in order; the first category with a matching word wins.
var categoryKeywords = []struct {
	category Category
	words    []string
}{
	{CategoryBug, []string{"fix", "bug", "issue", "error", "broken", "crash", "regression"}},
	{CategoryTest, []string{"test", "tests", "coverage", "verify", "validate"}},
	{CategoryDoc, []string{"document", "docs", "documentation", "readme", "comment", "explain"}},
	{CategoryRefactor, []string{"refactor", "clean", "cleanup", "improve", "optimize", "restructure"}},
	{CategoryFeature, []string{"add", "implement", "create", "new", "feature"}},
}

// Categorize infers the category from whole words in the title and
// description. Items that match nothing are features.
func Categorize(item *store.BacklogItem) Category {
	words := complexity.Words(item.Title + " " + item.Description)
	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if slices.Contains(words, w) {
				return ck.category
			}
		}
	}
	return CategoryFeature
}

// Limits on package contents.
const (
	MaxDependencies = 5
	MaxArtifacts    = 10
)

// DefaultRole is the agent role used when none is given.
const DefaultRole = "builder"

// ArtifactIndex finds project files relevant to a set of keywords.
type ArtifactIndex interface {
	Lookup(ctx context.Context, keywords []string, limit int) ([]string, error)
}

// Project describes the project for the agent brief.
type Project struct {
	Name       string
	Type       string
	Goals      []string
	QualityBar string
}

// Dependency is an unfinished prerequisite expected to clear soon.
type Dependency struct {
	ID     string           `json:"id"`
	Title  string           `json:"title"`
	Status store.ItemStatus `json:"status"`
}

// Package is the brief handed to the agent executor.
type Package struct {
	Item               store.BacklogItem         `json:"item"`
	AgentRole          string                    `json:"agent_role"`
	Category           Category                  `json:"category"`
	Complexity         store.Complexity          `json:"complexity"`
	AdjustedHours      float64                   `json:"adjusted_hours"`
	TestRequirements   []string                  `json:"test_requirements"`
	Dependencies       []Dependency              `json:"dependencies"`
	Artifacts          []string                  `json:"artifacts"`
	Patterns           []string                  `json:"patterns"`
	Recommendation     *recommend.Recommendation `json:"recommendation,omitempty"`
	ExecutionPosition  int                       `json:"execution_position"`
	ExecutionTotal     int                       `json:"execution_total"`
	ConflictWarnings   []string                  `json:"conflict_warnings,omitempty"`
	ArchitecturalNotes []string                  `json:"architectural_notes"`
	SuccessCriteria    []string                  `json:"success_criteria"`
	Project            Project                   `json:"project"`
	Instructions       string                    `json:"instructions"`
	PreparedAt         time.Time                 `json:"prepared_at"`
}

// Builder prepares delegation packages.
type Builder struct {
	store    store.EntityStore
	engine   *recommend.Engine
	analyzer *coord.Analyzer
	index    ArtifactIndex
	project  Project
}

// New returns a Builder. idx may be nil; packages then carry no artifacts.
func New(s store.EntityStore, engine *recommend.Engine, analyzer *coord.Analyzer, idx ArtifactIndex, project Project) *Builder {
	return &Builder{store: s, engine: engine, analyzer: analyzer, index: idx, project: project}
}

// Prepare builds the package for backlogID with the default role.
func (b *Builder) Prepare(ctx context.Context, backlogID string) (*Package, error) {
	return b.PrepareAs(ctx, backlogID, DefaultRole)
}

// PrepareAs builds the package for backlogID addressed to role.
func (b *Builder) PrepareAs(ctx context.Context, backlogID, role string) (*Package, error) {
	snap, err := b.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	item, ok := snap.Item(backlogID)
	if !ok {
		return nil, fmt.Errorf("backlog item %s: %w", backlogID, store.ErrNotFound)
	}
	est, err := b.engine.Estimator(ctx)
	if err != nil {
		return nil, err
	}
	if role == "" {
		role = DefaultRole
	}
	project := b.project
	if len(project.Goals) == 0 {
		project.Goals = b.engine.Goals()
	}

	tier, hours := complexity.Assess(&item, est)
	category := Categorize(&item)
	analysis := b.analyzer.Analyze(snap, snap.TakenAt)

	pkg := &Package{
		Item:               item,
		AgentRole:          role,
		Category:           category,
		Complexity:         tier,
		AdjustedHours:      hours,
		TestRequirements:   TestRequirements(category),
		Dependencies:       soonDependencies(&item, snap),
		Artifacts:          b.artifacts(ctx, &item),
		Patterns:           patterns(category),
		ExecutionPosition:  coord.Position(analysis.ExecutionOrder, item.ID),
		ExecutionTotal:     len(analysis.ExecutionOrder),
		ConflictWarnings:   conflictWarnings(&item, analysis.Active, snap),
		ArchitecturalNotes: architecturalNotes(category, tier, project.QualityBar),
		SuccessCriteria:    successCriteria(project.QualityBar),
		Project:            project,
		Instructions:       instructions(role, category),
		PreparedAt:         snap.TakenAt,
	}
	recs := recommend.Rank(snap, est, b.engine.Goals(), 0)
	if r, ok := recommend.Find(recs, item.ID); ok {
		pkg.Recommendation = &r
	}
	return pkg, nil
}

// soonDependencies lists unfinished dependencies that are being worked on
// or could start right away.
func soonDependencies(item *store.BacklogItem, snap *store.Snapshot) []Dependency {
	var out []Dependency
	for _, id := range item.Dependencies {
		if len(out) == MaxDependencies {
			break
		}
		dep, ok := snap.Item(id)
		if !ok || dep.Status == store.ItemDone {
			continue
		}
		soon := dep.Status == store.ItemInProgress
		if dep.Status == store.ItemReady {
			soon = true
			for _, sub := range dep.Dependencies {
				if d, ok := snap.Item(sub); !ok || d.Status != store.ItemDone {
					soon = false
					break
				}
			}
		}
		if soon {
			out = append(out, Dependency{ID: dep.ID, Title: dep.Title, Status: dep.Status})
		}
	}
	return out
}

// artifacts is best effort: a missing or failing index yields nothing.
func (b *Builder) artifacts(ctx context.Context, item *store.BacklogItem) []string {
	if b.index == nil {
		return []string{}
	}
	keywords := complexity.Words(item.Title + " " + item.Description)
	keywords = append(keywords, item.Tags...)
	var kw []string
	for _, w := range keywords {
		if len(w) >= 3 && !slices.Contains(kw, w) {
			kw = append(kw, w)
		}
	}
	files, err := b.index.Lookup(ctx, kw, MaxArtifacts)
	if err != nil {
		log.Printf("[delegation] artifact lookup for %s: %v", item.ID, err)
		return []string{}
	}
	if files == nil {
		return []string{}
	}
	return files
}

func conflictWarnings(item *store.BacklogItem, active []store.Workstream, snap *store.Snapshot) []string {
	var out []string
	for _, ws := range active {
		if ws.BacklogID == item.ID {
			continue
		}
		other, ok := snap.Item(ws.BacklogID)
		if !ok {
			continue
		}
		var shared []string
		for _, t := range item.Tags {
			if other.HasTag(t) {
				shared = append(shared, t)
			}
		}
		if len(shared) > 0 {
			out = append(out, fmt.Sprintf("%s (%s %q) also touches %s", ws.ID, other.ID, other.Title, strings.Join(shared, ", ")))
		}
	}
	return out
}

// TestRequirements is the checklist of tests expected for a category.
func TestRequirements(c Category) []string {
	switch c {
	case CategoryBug:
		return []string{
			"Regression test that fails before the fix",
			"Test passes after the fix",
			"Edge cases related to the bug",
		}
	case CategoryRefactor:
		return []string{
			"All existing tests still pass",
			"No behaviour changes",
			"Coverage maintained or improved",
		}
	case CategoryTest:
		return []string{
			"Tests cover the stated requirements",
			"Tests are clear and maintainable",
			"Tests run quickly (under a second each)",
		}
	case CategoryDoc:
		return []string{
			"Examples in the docs build or run",
			"Existing tests still pass",
		}
	default:
		return []string{
			"Unit tests for new functions and types",
			"Integration test for the feature workflow",
			"Edge cases (empty input, invalid data)",
			"Success and error paths",
		}
	}
}

func patterns(c Category) []string {
	var out []string
	switch c {
	case CategoryFeature:
		out = append(out, "Look for similar features already implemented", "Check existing tests for patterns to copy")
	case CategoryBug:
		out = append(out, "Search for similar error handling", "Look for earlier fixes to related issues")
	case CategoryTest:
		out = append(out, "Review the existing test layout and helpers")
	}
	return append(out, "Follow the existing code organisation", "Match current naming conventions")
}

func architecturalNotes(c Category, tier store.Complexity, qualityBar string) []string {
	var notes []string
	switch tier {
	case store.ComplexitySimple:
		notes = append(notes, "Keep it small: one file or function if possible")
	case store.ComplexityComplex:
		notes = append(notes, "Break the work into smaller, testable components", "Give new modules clear contracts")
	}
	switch c {
	case CategoryFeature:
		notes = append(notes, "Follow existing patterns in the codebase")
	case CategoryRefactor:
		notes = append(notes, "Keep backward compatibility unless removal is explicit", "Change incrementally")
	}
	switch qualityBar {
	case "strict":
		notes = append(notes, "High quality bar: thorough testing required")
	case "relaxed":
		notes = append(notes, "Move quickly: iterate and improve later")
	}
	return notes
}

func successCriteria(qualityBar string) []string {
	out := []string{
		"All requirements implemented and working",
		"Tests pass",
		"No stubs or placeholders",
	}
	if qualityBar != "relaxed" {
		out = append(out, "Documentation updated where behaviour changed")
	}
	return out
}

func instructions(role string, c Category) string {
	var base string
	switch role {
	case "reviewer":
		base = `1. Review the change against the task and success criteria
2. Verify there are no stubs, placeholders or dead code
3. Check test coverage against the test requirements
4. Look for unnecessary complexity`
	case "tester":
		base = `1. Analyse the behaviour and contracts involved
2. Design tests for the edge cases listed below
3. Implement the tests and make sure they pass
4. Note any behaviour you could not verify`
	default:
		base = `1. Examine the relevant files listed below
2. Design a solution that follows existing patterns
3. Implement working code (no stubs or placeholders)
4. Add tests per the test requirements
5. Update documentation`
	}
	switch c {
	case CategoryBug:
		base += "\n\nWrite the failing test first, then fix, then confirm it passes."
	case CategoryRefactor:
		base += "\n\nTests must pass before and after. No behaviour changes."
	}
	return base
}

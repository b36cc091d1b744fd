// Package complexity classifies backlog items into effort tiers and defines
// the estimator hook through which observed outcomes adjust raw estimates.
package complexity

import (
	"slices"
	"strings"
	"unicode"

	"github.com/imkarma/foreman/internal/store"
)

// Tier boundaries in hours.
const (
	SimpleBelowHours = 2.0
	MediumUpToHours  = 6.0
)

// Estimator turns a raw effort estimate into one corrected by history.
type Estimator interface {
	AdjustedEstimate(hours float64, c store.Complexity) float64
}

// Identity returns estimates unchanged; used before any outcomes exist.
type Identity struct{}

func (Identity) AdjustedEstimate(hours float64, _ store.Complexity) float64 { return hours }

// Area is a technical surface a piece of work touches.
type Area string

const (
	AreaAPI      Area = "api"
	AreaData     Area = "data"
	AreaUI       Area = "ui"
	AreaTesting  Area = "testing"
	AreaSecurity Area = "security"
)

var areaKeywords = map[Area][]string{
	AreaAPI:      {"api", "endpoint", "endpoints", "route", "routes", "rpc", "grpc"},
	AreaData:     {"database", "db", "schema", "migration", "migrations", "sql"},
	AreaUI:       {"ui", "interface", "frontend", "view", "views", "screen"},
	AreaTesting:  {"test", "tests", "coverage", "verify"},
	AreaSecurity: {"security", "auth", "permission", "permissions", "encryption"},
}

// changeAreas are the areas whose tags push an item up one tier.
var changeAreas = []Area{AreaAPI, AreaData, AreaUI}

// Words splits text into lowercase alphanumeric words.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Areas returns the technical areas named by the item's tags or mentioned
// in its title and description, in a stable order.
func Areas(item *store.BacklogItem) []Area {
	words := Words(item.Title + " " + item.Description)
	words = append(words, item.Tags...)
	var out []Area
	for _, area := range []Area{AreaAPI, AreaData, AreaUI, AreaTesting, AreaSecurity} {
		for _, kw := range areaKeywords[area] {
			if slices.Contains(words, kw) {
				out = append(out, area)
				break
			}
		}
	}
	return out
}

// TagsSignalChange reports whether any tag marks an API, schema or UI change.
func TagsSignalChange(tags []string) bool {
	for _, area := range changeAreas {
		for _, kw := range areaKeywords[area] {
			if slices.Contains(tags, kw) {
				return true
			}
		}
	}
	return false
}

// FromHours maps an effort estimate onto a tier.
func FromHours(hours float64) store.Complexity {
	switch {
	case hours < SimpleBelowHours:
		return store.ComplexitySimple
	case hours <= MediumUpToHours:
		return store.ComplexityMedium
	default:
		return store.ComplexityComplex
	}
}

// Bump raises c by one tier, saturating at COMPLEX.
func Bump(c store.Complexity) store.Complexity {
	switch c {
	case store.ComplexitySimple:
		return store.ComplexityMedium
	default:
		return store.ComplexityComplex
	}
}

// Normalized maps a tier onto [0,1]; ease is 1 minus this value.
func Normalized(c store.Complexity) float64 {
	switch c {
	case store.ComplexitySimple:
		return 0.0
	case store.ComplexityMedium:
		return 0.4
	default:
		return 0.7
	}
}

// Base classifies the item from its raw estimate and signals alone.
func Base(item *store.BacklogItem) store.Complexity {
	return classify(item, item.EstimatedEffortHours)
}

// Assess classifies the item after adjusting its estimate with est.
// It returns the tier and the adjusted hours the tier was derived from.
func Assess(item *store.BacklogItem, est Estimator) (store.Complexity, float64) {
	if est == nil {
		est = Identity{}
	}
	hours := est.AdjustedEstimate(item.EstimatedEffortHours, Base(item))
	return classify(item, hours), hours
}

// classify bumps at most one tier: for API/schema/UI tags, or for three or
// more technical areas mentioned in the text.
func classify(item *store.BacklogItem, hours float64) store.Complexity {
	c := FromHours(hours)
	if TagsSignalChange(item.Tags) || len(Areas(item)) >= 3 {
		c = Bump(c)
	}
	return c
}

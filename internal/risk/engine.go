/**
 * @description
 * Risk scoring for onboarding requests. The engine is a pure function over the
 * request attributes: it performs no I/O and never fails. Rules are pluggable and
 * each one contributes points, flag codes, or a manual-review requirement.
 *
 * @notes
 * - Prior-request counts are read from storage by the caller before scoring.
 * - A rule that errors or panics contributes nothing and leaves a
 *   DEGRADED_EVALUATION:<rule> flag behind.
 */

package risk

import (
	"fmt"
	"strings"

	"github.com/transfa/lifecycle-service/internal/domain"
)

// Flag codes that force an automatic rejection regardless of score.
const (
	FlagWatchlisted            = "WATCHLISTED_IDENTITY"
	FlagDuplicateDocumentSides = "DUPLICATE_DOCUMENT_SIDES"
	DegradedFlagPrefix         = "DEGRADED_EVALUATION:"
)

var blockingFlags = map[string]struct{}{
	FlagWatchlisted:            {},
	FlagDuplicateDocumentSides: {},
}

// IsBlocking reports whether a flag code forces rejection.
func IsBlocking(flag string) bool {
	_, ok := blockingFlags[flag]
	return ok
}

// Attributes is everything a rule may look at.
type Attributes struct {
	Cni      string
	Email    string
	Numero   string
	Nom      string
	Prenom   string
	IDAgence string
	RectoCni string
	VersoCni string

	// DocumentQuality is an optional 0..1 signal from the document store.
	DocumentQuality *float64

	// Prior requests in the trailing window. HistoryAvailable is false when the
	// counts could not be read.
	PriorRequestsByEmail  int
	PriorRequestsByAgency int
	HistoryAvailable      bool
}

// Contribution is the effect of one rule.
type Contribution struct {
	Points        int
	Flags         []string
	RequireReview bool
}

// Rule is a single scoring heuristic.
type Rule interface {
	Name() string
	Evaluate(attrs Attributes) (Contribution, error)
}

// Result is the engine's verdict.
type Result struct {
	Score                int
	Level                domain.RiskLevel
	Flags                []string
	RequiresManualReview bool
}

// Blocking returns the first blocking flag, if any.
func (r Result) Blocking() (string, bool) {
	for _, f := range r.Flags {
		if IsBlocking(f) {
			return f, true
		}
	}
	return "", false
}

// Degraded reports whether any rule could not evaluate.
func (r Result) Degraded() bool {
	for _, f := range r.Flags {
		if strings.HasPrefix(f, DegradedFlagPrefix) {
			return true
		}
	}
	return false
}

// Engine applies rules in order.
type Engine struct {
	rules []Rule
}

// NewEngine builds an engine over the given rules.
func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// NewDefaultEngine wires the built-in rules with the given options.
func NewDefaultEngine(opts Options) *Engine {
	opts = opts.withDefaults()
	return NewEngine(
		VelocityRule{EmailThreshold: opts.EmailVelocityThreshold, AgencyThreshold: opts.AgencyVelocityThreshold},
		DocumentRule{QualityFloor: opts.DocumentQualityFloor},
		DeclaredFieldsRule{DisposableDomains: opts.DisposableDomains},
		NewWatchlistRule(opts.Watchlist),
	)
}

// Score evaluates every rule and aggregates the result.
func (e *Engine) Score(attrs Attributes) Result {
	total := 0
	flags := make([]string, 0, 4)
	review := false

	for _, rule := range e.rules {
		c, err := evaluateSafely(rule, attrs)
		if err != nil {
			flags = appendUnique(flags, DegradedFlagPrefix+rule.Name())
			review = true
			continue
		}
		total += c.Points
		for _, f := range c.Flags {
			flags = appendUnique(flags, f)
		}
		if c.RequireReview {
			review = true
		}
	}

	score := clamp(total, 0, 100)
	return Result{
		Score:                score,
		Level:                domain.BandForScore(score),
		Flags:                flags,
		RequiresManualReview: review,
	}
}

func evaluateSafely(rule Rule, attrs Attributes) (c Contribution, err error) {
	defer func() {
		if r := recover(); r != nil {
			c = Contribution{}
			err = fmt.Errorf("rule %s panicked: %v", rule.Name(), r)
		}
	}()
	return rule.Evaluate(attrs)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func appendUnique(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}

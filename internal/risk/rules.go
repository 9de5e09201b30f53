package risk

import (
	"errors"
	"regexp"
	"strings"
)

// ErrMissingData is returned by a rule that has nothing to evaluate.
var ErrMissingData = errors.New("risk rule input missing")

// Options tunes the built-in rules.
type Options struct {
	EmailVelocityThreshold  int
	AgencyVelocityThreshold int
	DocumentQualityFloor    float64
	Watchlist               []string
	DisposableDomains       []string
}

func (o Options) withDefaults() Options {
	if o.EmailVelocityThreshold <= 0 {
		o.EmailVelocityThreshold = 3
	}
	if o.AgencyVelocityThreshold <= 0 {
		o.AgencyVelocityThreshold = 20
	}
	if o.DocumentQualityFloor <= 0 {
		o.DocumentQualityFloor = 0.5
	}
	if len(o.DisposableDomains) == 0 {
		o.DisposableDomains = []string{"mailinator.com", "yopmail.com", "guerrillamail.com", "10minutemail.com", "tempmail.com"}
	}
	return o
}

// VelocityRule penalizes repeated submissions from one email or one agency.
type VelocityRule struct {
	EmailThreshold  int
	AgencyThreshold int
}

func (VelocityRule) Name() string { return "velocity" }

func (r VelocityRule) Evaluate(a Attributes) (Contribution, error) {
	if !a.HistoryAvailable {
		return Contribution{}, ErrMissingData
	}
	var c Contribution
	if r.EmailThreshold > 0 && a.PriorRequestsByEmail >= r.EmailThreshold {
		c.Points += 30
		c.Flags = append(c.Flags, "VELOCITY_EMAIL")
	}
	if r.AgencyThreshold > 0 && a.PriorRequestsByAgency >= r.AgencyThreshold {
		c.Points += 15
		c.Flags = append(c.Flags, "VELOCITY_AGENCY")
	}
	return c, nil
}

// DocumentRule checks the identity document references and the optional quality signal.
type DocumentRule struct {
	QualityFloor float64
}

func (DocumentRule) Name() string { return "documents" }

func (r DocumentRule) Evaluate(a Attributes) (Contribution, error) {
	var c Contribution
	recto := strings.TrimSpace(a.RectoCni)
	verso := strings.TrimSpace(a.VersoCni)

	if recto == "" || verso == "" {
		c.Points += 40
		c.Flags = append(c.Flags, "MISSING_DOCUMENT")
	} else if strings.EqualFold(recto, verso) {
		c.Points += 60
		c.Flags = append(c.Flags, FlagDuplicateDocumentSides)
	}

	if a.DocumentQuality != nil && *a.DocumentQuality < r.QualityFloor {
		c.Points += 20
		c.Flags = append(c.Flags, "LOW_DOCUMENT_QUALITY")
	}
	return c, nil
}

var (
	cniPattern   = regexp.MustCompile(`^[A-Za-z0-9]{8,17}$`)
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[A-Za-z]{2,}$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9]{8,15}$`)
)

// DeclaredFieldsRule checks the shape of the declared identity fields.
type DeclaredFieldsRule struct {
	DisposableDomains []string
}

func (DeclaredFieldsRule) Name() string { return "declared_fields" }

func (r DeclaredFieldsRule) Evaluate(a Attributes) (Contribution, error) {
	cni := strings.TrimSpace(a.Cni)
	email := strings.TrimSpace(a.Email)
	if cni == "" && email == "" {
		return Contribution{}, ErrMissingData
	}

	var c Contribution
	if !cniPattern.MatchString(cni) {
		c.Points += 25
		c.Flags = append(c.Flags, "INVALID_CNI_FORMAT")
	}
	if !emailPattern.MatchString(email) {
		c.Points += 15
		c.Flags = append(c.Flags, "INVALID_EMAIL")
	} else if r.isDisposable(email) {
		c.Points += 20
		c.Flags = append(c.Flags, "DISPOSABLE_EMAIL")
	}
	if numero := strings.ReplaceAll(strings.TrimSpace(a.Numero), " ", ""); numero != "" && !phonePattern.MatchString(numero) {
		c.Points += 10
		c.Flags = append(c.Flags, "INVALID_PHONE")
	}
	return c, nil
}

func (r DeclaredFieldsRule) isDisposable(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, d := range r.DisposableDomains {
		if domain == strings.ToLower(strings.TrimSpace(d)) {
			return true
		}
	}
	return false
}

// WatchlistRule blocks identities present on the configured watchlist.
type WatchlistRule struct {
	entries map[string]struct{}
}

// NewWatchlistRule normalizes entries (cni numbers or emails).
func NewWatchlistRule(entries []string) WatchlistRule {
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if v := strings.ToLower(strings.TrimSpace(e)); v != "" {
			set[v] = struct{}{}
		}
	}
	return WatchlistRule{entries: set}
}

func (WatchlistRule) Name() string { return "watchlist" }

func (r WatchlistRule) Evaluate(a Attributes) (Contribution, error) {
	if len(r.entries) == 0 {
		return Contribution{}, nil
	}
	for _, candidate := range []string{a.Cni, a.Email} {
		if _, hit := r.entries[strings.ToLower(strings.TrimSpace(candidate))]; hit {
			return Contribution{Points: 100, Flags: []string{FlagWatchlisted}}, nil
		}
	}
	return Contribution{}, nil
}

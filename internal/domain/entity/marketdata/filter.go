package marketdata

import "fmt"

// FilterKey scopes negative results: the same item may be missing for one
// region and side and available for another.
type FilterKey struct {
	Region RegionID
	Side   QuerySide
}

func (k FilterKey) String() string {
	return fmt.Sprintf("%d:%s", k.Region, k.Side)
}

// Filter selects what a reconciliation round looks for and how cached
// quotes are refreshed.
type Filter struct {
	Region RegionID   `json:"region"`
	Side   QuerySide  `json:"side"`
	Policy PolicyKind `json:"policy"`
}

func (f Filter) Key() FilterKey {
	return FilterKey{Region: f.Region, Side: f.Side}
}

func (f Filter) Validate() error {
	if f.Region == 0 {
		return fmt.Errorf("%w: filter has no region", ErrInvalidArgument)
	}
	if !f.Side.IsValid() {
		return fmt.Errorf("%w: filter side %q", ErrInvalidArgument, f.Side)
	}
	if !f.Policy.IsValid() {
		return fmt.Errorf("%w: filter policy %q", ErrInvalidArgument, f.Policy)
	}
	return nil
}

// PolicyKind names an update policy. The rules live with the policy table in
// the marketdata service.
type PolicyKind string

const (
	PolicyNone              PolicyKind = "none"
	PolicyAll               PolicyKind = "all"
	PolicyMissing           PolicyKind = "missing"
	PolicyOutdated          PolicyKind = "outdated"
	PolicyUserProvided      PolicyKind = "user_provided"
	PolicyMissingOrOutdated PolicyKind = "missing_or_outdated"
	PolicyDefault           PolicyKind = "default"
)

func (p PolicyKind) String() string {
	return string(p)
}

func (p PolicyKind) IsValid() bool {
	switch p {
	case PolicyNone, PolicyAll, PolicyMissing, PolicyOutdated,
		PolicyUserProvided, PolicyMissingOrOutdated, PolicyDefault:
		return true
	default:
		return false
	}
}

func NewPolicyKind(s string) (PolicyKind, error) {
	if s == "" {
		return PolicyMissingOrOutdated, nil
	}
	p := PolicyKind(s)
	if !p.IsValid() {
		return "", fmt.Errorf("%w: invalid policy %q", ErrInvalidArgument, s)
	}
	return p, nil
}

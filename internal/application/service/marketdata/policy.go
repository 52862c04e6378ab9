package marketdata

import (
	"fmt"

	"github.com/sirupsen/logrus"

	domain "marketprices/internal/domain/entity/marketdata"
	"marketprices/internal/domain/interfaces"
)

type updateRule func(existing *domain.Quote, stale bool) bool

func missingOrOutdated(existing *domain.Quote, stale bool) bool {
	return existing == nil || (existing.Source != domain.SourceUser && stale)
}

var updateRules = map[domain.PolicyKind]updateRule{
	domain.PolicyNone: func(*domain.Quote, bool) bool { return false },
	domain.PolicyAll:  func(*domain.Quote, bool) bool { return true },
	domain.PolicyMissing: func(existing *domain.Quote, _ bool) bool {
		return existing == nil
	},
	domain.PolicyOutdated: func(existing *domain.Quote, stale bool) bool {
		return existing != nil && stale
	},
	domain.PolicyUserProvided: func(existing *domain.Quote, stale bool) bool {
		return existing != nil && existing.Source == domain.SourceUser && stale
	},
	domain.PolicyMissingOrOutdated: missingOrOutdated,
	domain.PolicyDefault:           missingOrOutdated,
}

type quoteWriter interface {
	Store(quote *domain.Quote) (bool, error)
}

// Policy decides whether cached quotes of one target side get replaced by
// fresh ones.
type Policy struct {
	kind   domain.PolicyKind
	target domain.QuerySide
	rule   updateRule
	stale  interfaces.StalenessPredicate
	logger logrus.FieldLogger
}

func NewPolicy(kind domain.PolicyKind, target domain.QuerySide, stale interfaces.StalenessPredicate, logger logrus.FieldLogger) (*Policy, error) {
	rule, ok := updateRules[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown policy %q", domain.ErrInvalidArgument, kind)
	}
	if !target.IsValid() {
		return nil, fmt.Errorf("%w: policy target side %q", domain.ErrInvalidArgument, target)
	}
	if stale == nil {
		return nil, fmt.Errorf("%w: policy needs a staleness predicate", domain.ErrInvalidArgument)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Policy{
		kind:   kind,
		target: target,
		rule:   rule,
		stale:  stale,
		logger: logger.WithField("policy", kind.String()),
	}, nil
}

func (p *Policy) Kind() domain.PolicyKind {
	return p.kind
}

// RequiresUpdate applies the policy rule to the cached quote of item. A
// quote of a side the policy does not target counts as absent.
func (p *Policy) RequiresUpdate(item domain.ItemID, existing *domain.Quote) bool {
	if existing != nil && !p.target.Matches(existing.Side) {
		existing = nil
	}
	stale := existing != nil && p.stale.IsStale(existing)
	required := p.rule(existing, stale)

	p.logger.WithFields(logrus.Fields{
		"item":     item,
		"side":     p.target,
		"cached":   existing != nil,
		"stale":    stale,
		"required": required,
	}).Debug("update policy decision")
	return required
}

// Merge writes quote into w. NONE never writes.
func (p *Policy) Merge(w quoteWriter, quote *domain.Quote) (bool, error) {
	if p.kind == domain.PolicyNone {
		return false, nil
	}
	if !p.target.Matches(quote.Side) {
		return false, nil
	}
	return w.Store(quote)
}

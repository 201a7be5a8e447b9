package services

import (
	"fmt"
	"sort"

	"solgate/chain"
	"solgate/models"

	"github.com/shopspring/decimal"
)

// Tristate is the decision value of a rule or role. Unknown means the
// evidence was insufficient; callers must not mutate state on it.
type Tristate int8

const (
	TriFalse Tristate = iota
	TriTrue
	TriUnknown
)

func (t Tristate) String() string {
	switch t {
	case TriTrue:
		return "true"
	case TriFalse:
		return "false"
	default:
		return "unknown"
	}
}

// RuleSpec is the typed form of a stored gating rule. Exactly one variant
// applies per rule; the stored row's nullable columns never leak past
// SpecFromRule.
type RuleSpec interface {
	Rule() (ruleID, roleID string)
	ruleSpec()
}

type TokenAmountSpec struct {
	RuleID    string
	RoleID    string
	Mint      string
	Threshold decimal.Decimal
}

type TokenUsdSpec struct {
	RuleID       string
	RoleID       string
	Mint         string
	ThresholdUsd decimal.Decimal
	PriceAssetID string
}

type NftCollectionSpec struct {
	RuleID         string
	RoleID         string
	Collection     string
	ThresholdCount int
}

func (s TokenAmountSpec) Rule() (string, string)   { return s.RuleID, s.RoleID }
func (s TokenUsdSpec) Rule() (string, string)      { return s.RuleID, s.RoleID }
func (s NftCollectionSpec) Rule() (string, string) { return s.RuleID, s.RoleID }

func (TokenAmountSpec) ruleSpec()   {}
func (TokenUsdSpec) ruleSpec()      {}
func (NftCollectionSpec) ruleSpec() {}

// SpecFromRule converts a stored rule row into its typed variant.
func SpecFromRule(r models.GatingRule) (RuleSpec, error) {
	switch r.RuleType {
	case models.RuleTokenAmount:
		if r.Mint == nil || r.ThresholdAmount == nil {
			return nil, fmt.Errorf("rule %s: TOKEN_AMOUNT missing mint or threshold", r.ID)
		}
		return TokenAmountSpec{RuleID: r.ID, RoleID: r.RoleID, Mint: *r.Mint, Threshold: *r.ThresholdAmount}, nil
	case models.RuleTokenUsd:
		if r.Mint == nil || r.ThresholdUsd == nil || r.PriceAssetID == nil {
			return nil, fmt.Errorf("rule %s: TOKEN_USD missing mint, threshold or price asset", r.ID)
		}
		return TokenUsdSpec{RuleID: r.ID, RoleID: r.RoleID, Mint: *r.Mint, ThresholdUsd: *r.ThresholdUsd, PriceAssetID: *r.PriceAssetID}, nil
	case models.RuleNftCollection:
		if r.CollectionAddress == nil || r.ThresholdCount == nil {
			return nil, fmt.Errorf("rule %s: NFT_COLLECTION missing collection or threshold", r.ID)
		}
		return NftCollectionSpec{RuleID: r.ID, RoleID: r.RoleID, Collection: *r.CollectionAddress, ThresholdCount: *r.ThresholdCount}, nil
	default:
		return nil, fmt.Errorf("rule %s: unknown rule type %q", r.ID, r.RuleType)
	}
}

// SpecsFromRules converts rule rows, dropping malformed rows with an error
// per row so one bad rule cannot block a guild.
func SpecsFromRules(rules []models.GatingRule) ([]RuleSpec, []error) {
	specs := make([]RuleSpec, 0, len(rules))
	var errs []error
	for _, r := range rules {
		spec, err := SpecFromRule(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		specs = append(specs, spec)
	}
	return specs, errs
}

// NeedsTokenBalances reports whether any rule requires the token slice of a
// wallet snapshot.
func NeedsTokenBalances(specs []RuleSpec) bool {
	for _, s := range specs {
		switch s.(type) {
		case TokenAmountSpec, TokenUsdSpec:
			return true
		}
	}
	return false
}

// NeedsNftCounts reports whether any rule requires NFT collection counts.
func NeedsNftCounts(specs []RuleSpec) bool {
	for _, s := range specs {
		if _, ok := s.(NftCollectionSpec); ok {
			return true
		}
	}
	return false
}

// PriceAssetIDs collects the distinct price-provider asset ids referenced by
// USD rules, in first-seen order.
func PriceAssetIDs(specs []RuleSpec) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, s := range specs {
		if usd, ok := s.(TokenUsdSpec); ok && !seen[usd.PriceAssetID] {
			seen[usd.PriceAssetID] = true
			ids = append(ids, usd.PriceAssetID)
		}
	}
	return ids
}

type Evaluation struct {
	RuleID    string
	RoleID    string
	Satisfied Tristate
	Reason    string
}

type RoleDecision struct {
	RoleID         string
	ShouldHave     Tristate
	MatchedRuleIDs []string
}

// Evaluate runs every rule against the snapshot and price map. It is pure:
// one Evaluation per rule, no side effects. A USD rule whose asset has no
// price evaluates to unknown.
func Evaluate(specs []RuleSpec, snap *chain.WalletSnapshot, prices map[string]decimal.Decimal) []Evaluation {
	evals := make([]Evaluation, 0, len(specs))
	for _, spec := range specs {
		ruleID, roleID := spec.Rule()
		eval := Evaluation{RuleID: ruleID, RoleID: roleID}

		switch s := spec.(type) {
		case TokenAmountSpec:
			balance := snap.TokenBalance(s.Mint)
			if balance.GreaterThanOrEqual(s.Threshold) {
				eval.Satisfied = TriTrue
			} else {
				eval.Satisfied = TriFalse
			}
			eval.Reason = fmt.Sprintf("token %s balance %s >= %s is %s",
				s.Mint, balance, s.Threshold, eval.Satisfied)

		case TokenUsdSpec:
			price, ok := prices[s.PriceAssetID]
			if !ok {
				eval.Satisfied = TriUnknown
				eval.Reason = fmt.Sprintf("no USD price for asset %s", s.PriceAssetID)
				break
			}
			balance := snap.TokenBalance(s.Mint)
			value := balance.Mul(price)
			if value.GreaterThanOrEqual(s.ThresholdUsd) {
				eval.Satisfied = TriTrue
			} else {
				eval.Satisfied = TriFalse
			}
			eval.Reason = fmt.Sprintf("token %s balance %s x price %s = %s USD >= %s is %s",
				s.Mint, balance, price, value, s.ThresholdUsd, eval.Satisfied)

		case NftCollectionSpec:
			count := snap.NFTCount(s.Collection)
			if count >= s.ThresholdCount {
				eval.Satisfied = TriTrue
			} else {
				eval.Satisfied = TriFalse
			}
			eval.Reason = fmt.Sprintf("collection %s count %d >= %d is %s",
				s.Collection, count, s.ThresholdCount, eval.Satisfied)
		}

		evals = append(evals, eval)
	}
	return evals
}

// Decide groups evaluations by role and composes them disjunctively: any
// true rule grants the role; otherwise any unknown rule makes the decision
// unknown; only an all-false group revokes. Output is sorted by role id so
// the result is deterministic for a given input.
func Decide(evals []Evaluation) []RoleDecision {
	byRole := make(map[string][]Evaluation)
	var order []string
	for _, e := range evals {
		if _, ok := byRole[e.RoleID]; !ok {
			order = append(order, e.RoleID)
		}
		byRole[e.RoleID] = append(byRole[e.RoleID], e)
	}
	sort.Strings(order)

	decisions := make([]RoleDecision, 0, len(order))
	for _, roleID := range order {
		group := byRole[roleID]
		decision := RoleDecision{RoleID: roleID, ShouldHave: TriFalse}
		for _, e := range group {
			if e.Satisfied == TriTrue {
				decision.MatchedRuleIDs = append(decision.MatchedRuleIDs, e.RuleID)
			}
		}
		if len(decision.MatchedRuleIDs) > 0 {
			decision.ShouldHave = TriTrue
		} else {
			for _, e := range group {
				if e.Satisfied == TriUnknown {
					decision.ShouldHave = TriUnknown
					break
				}
			}
		}
		decisions = append(decisions, decision)
	}
	return decisions
}

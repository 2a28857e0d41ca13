// Package match decides whether a set of signed orders can be settled
// together, before anything is sent to the ledger.
package match

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"marketline/internal/domain"
)

// Rule names the compatibility check that failed.
type Rule string

const (
	RuleIdentity    Rule = "identity"
	RuleRestriction Rule = "restriction"
	RulePrice       Rule = "price"
	RuleTag         Rule = "tag"
	RuleCategory    Rule = "category"
	RuleTrust       Rule = "trust"
	RuleVolume      Rule = "volume"
)

// IncompatibleError is the first violated rule.
type IncompatibleError struct {
	Rule   Rule
	Reason string
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("%s check failed: %s", e.Rule, e.Reason)
}

// Remaining carries the unconsumed volume of each order. Nil fields fall
// back to the order's own volume.
type Remaining struct {
	App        *domain.Uint256
	Dataset    *domain.Uint256
	Workerpool *domain.Uint256
	Request    *domain.Uint256
}

type restriction struct {
	owner, field string
	restrict     common.Address
	actual       common.Address
}

// Plan is the outcome of a successful check.
type Plan struct {
	Volume domain.Uint256
}

func incompatible(rule Rule, format string, args ...any) error {
	inner := &IncompatibleError{Rule: rule, Reason: fmt.Sprintf(format, args...)}
	return &domain.Error{Kind: domain.IncompatibleOrders, Msg: "incompatible orders", Err: inner}
}

// CheckMatch runs identity, restriction, price, tag, category, trust and
// volume checks in that order and stops at the first failure. dataset is nil
// when the request uses no dataset.
func CheckMatch(app domain.AppOrder, dataset *domain.DatasetOrder, pool domain.WorkerpoolOrder, req domain.RequestOrder, remaining Remaining) (Plan, error) {
	if req.App != app.App {
		return Plan{}, incompatible(RuleIdentity, "requestorder app %s does not match apporder app %s", req.App.Hex(), app.App.Hex())
	}
	switch {
	case req.UsesDataset() && dataset == nil:
		return Plan{}, incompatible(RuleIdentity, "requestorder requires dataset %s but no datasetorder was provided", req.Dataset.Hex())
	case !req.UsesDataset() && dataset != nil:
		return Plan{}, incompatible(RuleIdentity, "requestorder uses no dataset but a datasetorder for %s was provided", dataset.Dataset.Hex())
	case dataset != nil && req.Dataset != dataset.Dataset:
		return Plan{}, incompatible(RuleIdentity, "requestorder dataset %s does not match datasetorder dataset %s", req.Dataset.Hex(), dataset.Dataset.Hex())
	}
	if !domain.IsNull(req.Workerpool) && req.Workerpool != pool.Workerpool {
		return Plan{}, incompatible(RuleIdentity, "requestorder workerpool %s does not match workerpoolorder workerpool %s", req.Workerpool.Hex(), pool.Workerpool.Hex())
	}

	datasetAddr := domain.NullAddress
	if dataset != nil {
		datasetAddr = dataset.Dataset
	}
	restrictions := []restriction{
		{"apporder", "datasetrestrict", app.DatasetRestrict, datasetAddr},
		{"apporder", "workerpoolrestrict", app.WorkerpoolRestrict, pool.Workerpool},
		{"apporder", "requesterrestrict", app.RequesterRestrict, req.Requester},
	}
	if dataset != nil {
		restrictions = append(restrictions,
			restriction{"datasetorder", "apprestrict", dataset.AppRestrict, app.App},
			restriction{"datasetorder", "workerpoolrestrict", dataset.WorkerpoolRestrict, pool.Workerpool},
			restriction{"datasetorder", "requesterrestrict", dataset.RequesterRestrict, req.Requester},
		)
	}
	restrictions = append(restrictions,
		restriction{"workerpoolorder", "apprestrict", pool.AppRestrict, app.App},
		restriction{"workerpoolorder", "datasetrestrict", pool.DatasetRestrict, datasetAddr},
		restriction{"workerpoolorder", "requesterrestrict", pool.RequesterRestrict, req.Requester},
	)
	for _, r := range restrictions {
		if !domain.IsNull(r.restrict) && r.restrict != r.actual {
			return Plan{}, incompatible(RuleRestriction, "%s %s %s does not allow %s", r.owner, r.field, r.restrict.Hex(), r.actual.Hex())
		}
	}

	if req.AppMaxPrice.Cmp(app.AppPrice) < 0 {
		return Plan{}, incompatible(RulePrice, "appmaxprice %s is less than appprice %s", req.AppMaxPrice, app.AppPrice)
	}
	if dataset != nil && req.DatasetMaxPrice.Cmp(dataset.DatasetPrice) < 0 {
		return Plan{}, incompatible(RulePrice, "datasetmaxprice %s is less than datasetprice %s", req.DatasetMaxPrice, dataset.DatasetPrice)
	}
	if req.WorkerpoolMaxPrice.Cmp(pool.WorkerpoolPrice) < 0 {
		return Plan{}, incompatible(RulePrice, "workerpoolmaxprice %s is less than workerpoolprice %s", req.WorkerpoolMaxPrice, pool.WorkerpoolPrice)
	}

	offered := app.Tag.Or(pool.Tag)
	if dataset != nil {
		offered = offered.Or(dataset.Tag)
	}
	if missing := req.Tag.AndNot(offered); !missing.IsZero() {
		return Plan{}, incompatible(RuleTag, "requestorder tag %s is not satisfied, missing bits %s", req.Tag, missing)
	}

	if req.Category.Cmp(pool.Category) != 0 {
		return Plan{}, incompatible(RuleCategory, "requestorder category %s does not match workerpoolorder category %s", req.Category, pool.Category)
	}
	if pool.Trust.Cmp(req.Trust) < 0 {
		return Plan{}, incompatible(RuleTrust, "workerpoolorder trust %s is less than requestorder trust %s", pool.Trust, req.Trust)
	}

	type volume struct {
		name string
		v    domain.Uint256
	}
	volumes := []volume{
		{"apporder", orDefault(remaining.App, app.Volume)},
		{"workerpoolorder", orDefault(remaining.Workerpool, pool.Volume)},
		{"requestorder", orDefault(remaining.Request, req.Volume)},
	}
	if dataset != nil {
		volumes = append(volumes, volume{"datasetorder", orDefault(remaining.Dataset, dataset.Volume)})
	}
	least := volumes[0].v
	for _, v := range volumes {
		if v.v.IsZero() {
			return Plan{}, incompatible(RuleVolume, "%s is fully consumed", v.name)
		}
		if v.v.Cmp(least) < 0 {
			least = v.v
		}
	}
	return Plan{Volume: least}, nil
}

func orDefault(v *domain.Uint256, def domain.Uint256) domain.Uint256 {
	if v != nil {
		return *v
	}
	return def
}

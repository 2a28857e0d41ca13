package ledger

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"marketline/internal/domain"
)

const appOrderTuple = `{"name":"app","type":"address"},{"name":"appprice","type":"uint256"},{"name":"volume","type":"uint256"},{"name":"tag","type":"bytes32"},{"name":"datasetrestrict","type":"address"},{"name":"workerpoolrestrict","type":"address"},{"name":"requesterrestrict","type":"address"},{"name":"salt","type":"bytes32"},{"name":"sign","type":"bytes"}`

const datasetOrderTuple = `{"name":"dataset","type":"address"},{"name":"datasetprice","type":"uint256"},{"name":"volume","type":"uint256"},{"name":"tag","type":"bytes32"},{"name":"apprestrict","type":"address"},{"name":"workerpoolrestrict","type":"address"},{"name":"requesterrestrict","type":"address"},{"name":"salt","type":"bytes32"},{"name":"sign","type":"bytes"}`

const workerpoolOrderTuple = `{"name":"workerpool","type":"address"},{"name":"workerpoolprice","type":"uint256"},{"name":"volume","type":"uint256"},{"name":"tag","type":"bytes32"},{"name":"category","type":"uint256"},{"name":"trust","type":"uint256"},{"name":"apprestrict","type":"address"},{"name":"datasetrestrict","type":"address"},{"name":"requesterrestrict","type":"address"},{"name":"salt","type":"bytes32"},{"name":"sign","type":"bytes"}`

const requestOrderTuple = `{"name":"app","type":"address"},{"name":"appmaxprice","type":"uint256"},{"name":"dataset","type":"address"},{"name":"datasetmaxprice","type":"uint256"},{"name":"workerpool","type":"address"},{"name":"workerpoolmaxprice","type":"uint256"},{"name":"requester","type":"address"},{"name":"volume","type":"uint256"},{"name":"tag","type":"bytes32"},{"name":"category","type":"uint256"},{"name":"trust","type":"uint256"},{"name":"beneficiary","type":"address"},{"name":"callback","type":"address"},{"name":"params","type":"string"},{"name":"salt","type":"bytes32"},{"name":"sign","type":"bytes"}`

func manage(name, tuple string) string {
	return `{"type":"function","name":"` + name + `","stateMutability":"nonpayable","inputs":[{"name":"_operation","type":"tuple","components":[{"name":"order","type":"tuple","components":[` + tuple + `]},{"name":"operation","type":"uint8"},{"name":"sign","type":"bytes"}]}],"outputs":[]}`
}

// hubABI is the subset of the hub interface used here.
var hubABI = `[
{"type":"function","name":"viewConsumed","stateMutability":"view","inputs":[{"name":"_id","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"appregistry","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"datasetregistry","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"workerpoolregistry","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"matchOrders","stateMutability":"nonpayable","inputs":[
 {"name":"_apporder","type":"tuple","components":[` + appOrderTuple + `]},
 {"name":"_datasetorder","type":"tuple","components":[` + datasetOrderTuple + `]},
 {"name":"_workerpoolorder","type":"tuple","components":[` + workerpoolOrderTuple + `]},
 {"name":"_requestorder","type":"tuple","components":[` + requestOrderTuple + `]}
],"outputs":[{"name":"","type":"bytes32"}]},
` + manage("manageAppOrder", appOrderTuple) + `,
` + manage("manageDatasetOrder", datasetOrderTuple) + `,
` + manage("manageWorkerpoolOrder", workerpoolOrderTuple) + `,
` + manage("manageRequestOrder", requestOrderTuple) + `,
{"type":"event","name":"OrdersMatched","anonymous":false,"inputs":[
 {"name":"dealid","type":"bytes32","indexed":false},
 {"name":"appHash","type":"bytes32","indexed":false},
 {"name":"datasetHash","type":"bytes32","indexed":false},
 {"name":"workerpoolHash","type":"bytes32","indexed":false},
 {"name":"requestHash","type":"bytes32","indexed":false},
 {"name":"volume","type":"uint256","indexed":false}
]}
]`

var registryABI = `[{"type":"function","name":"isRegistered","stateMutability":"view","inputs":[{"name":"_entry","type":"address"}],"outputs":[{"name":"","type":"bool"}]}]`

func parseABIs() (hub abi.ABI, registry abi.ABI, err error) {
	if hub, err = abi.JSON(strings.NewReader(hubABI)); err != nil {
		return hub, registry, err
	}
	registry, err = abi.JSON(strings.NewReader(registryABI))
	return hub, registry, err
}

// Order operations understood by manage*Order.
const (
	operationSign  uint8 = 0
	operationClose uint8 = 1
)

// Tuple mirrors of the hub structs. Field names follow the ABI component
// names so the abi package can pack them.
type appOrderTupleT struct {
	App                common.Address
	Appprice           *big.Int
	Volume             *big.Int
	Tag                [32]byte
	Datasetrestrict    common.Address
	Workerpoolrestrict common.Address
	Requesterrestrict  common.Address
	Salt               [32]byte
	Sign               []byte
}

type datasetOrderTupleT struct {
	Dataset            common.Address
	Datasetprice       *big.Int
	Volume             *big.Int
	Tag                [32]byte
	Apprestrict        common.Address
	Workerpoolrestrict common.Address
	Requesterrestrict  common.Address
	Salt               [32]byte
	Sign               []byte
}

type workerpoolOrderTupleT struct {
	Workerpool        common.Address
	Workerpoolprice   *big.Int
	Volume            *big.Int
	Tag               [32]byte
	Category          *big.Int
	Trust             *big.Int
	Apprestrict       common.Address
	Datasetrestrict   common.Address
	Requesterrestrict common.Address
	Salt              [32]byte
	Sign              []byte
}

type requestOrderTupleT struct {
	App                common.Address
	Appmaxprice        *big.Int
	Dataset            common.Address
	Datasetmaxprice    *big.Int
	Workerpool         common.Address
	Workerpoolmaxprice *big.Int
	Requester          common.Address
	Volume             *big.Int
	Tag                [32]byte
	Category           *big.Int
	Trust              *big.Int
	Beneficiary        common.Address
	Callback           common.Address
	Params             string
	Salt               [32]byte
	Sign               []byte
}

func appTuple(o domain.AppOrder) appOrderTupleT {
	return appOrderTupleT{
		App: o.App, Appprice: o.AppPrice.Big(), Volume: o.Volume.Big(), Tag: o.Tag,
		Datasetrestrict: o.DatasetRestrict, Workerpoolrestrict: o.WorkerpoolRestrict, Requesterrestrict: o.RequesterRestrict,
		Salt: o.Salt, Sign: sign(o.Sign),
	}
}

func datasetTuple(o domain.DatasetOrder) datasetOrderTupleT {
	return datasetOrderTupleT{
		Dataset: o.Dataset, Datasetprice: o.DatasetPrice.Big(), Volume: o.Volume.Big(), Tag: o.Tag,
		Apprestrict: o.AppRestrict, Workerpoolrestrict: o.WorkerpoolRestrict, Requesterrestrict: o.RequesterRestrict,
		Salt: o.Salt, Sign: sign(o.Sign),
	}
}

func workerpoolTuple(o domain.WorkerpoolOrder) workerpoolOrderTupleT {
	return workerpoolOrderTupleT{
		Workerpool: o.Workerpool, Workerpoolprice: o.WorkerpoolPrice.Big(), Volume: o.Volume.Big(), Tag: o.Tag,
		Category: o.Category.Big(), Trust: o.Trust.Big(),
		Apprestrict: o.AppRestrict, Datasetrestrict: o.DatasetRestrict, Requesterrestrict: o.RequesterRestrict,
		Salt: o.Salt, Sign: sign(o.Sign),
	}
}

func requestTuple(o domain.RequestOrder) requestOrderTupleT {
	return requestOrderTupleT{
		App: o.App, Appmaxprice: o.AppMaxPrice.Big(), Dataset: o.Dataset, Datasetmaxprice: o.DatasetMaxPrice.Big(),
		Workerpool: o.Workerpool, Workerpoolmaxprice: o.WorkerpoolMaxPrice.Big(), Requester: o.Requester,
		Volume: o.Volume.Big(), Tag: o.Tag, Category: o.Category.Big(), Trust: o.Trust.Big(),
		Beneficiary: o.Beneficiary, Callback: o.Callback, Params: o.Params,
		Salt: o.Salt, Sign: sign(o.Sign),
	}
}

func sign(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// operation wraps an order tuple for manage*Order.
type operation[T any] struct {
	Order     T
	Operation uint8
	Sign      []byte
}

// closeCall returns the method and argument closing o. The sender must own
// the order, so the operation carries no signature.
func closeCall(o domain.Order) (string, any, bool) {
	switch v := o.(type) {
	case domain.AppOrder:
		return "manageAppOrder", operation[appOrderTupleT]{Order: appTuple(v), Operation: operationClose, Sign: []byte{}}, true
	case domain.DatasetOrder:
		return "manageDatasetOrder", operation[datasetOrderTupleT]{Order: datasetTuple(v), Operation: operationClose, Sign: []byte{}}, true
	case domain.WorkerpoolOrder:
		return "manageWorkerpoolOrder", operation[workerpoolOrderTupleT]{Order: workerpoolTuple(v), Operation: operationClose, Sign: []byte{}}, true
	case domain.RequestOrder:
		return "manageRequestOrder", operation[requestOrderTupleT]{Order: requestTuple(v), Operation: operationClose, Sign: []byte{}}, true
	default:
		return "", nil, false
	}
}

// Package eip712 computes typed-data hashes for marketplace orders and book
// challenges.
package eip712

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"marketline/internal/domain"
)

const (
	DomainName    = "iExecODB"
	DomainVersion = "5.0.0"
	domainType    = "EIP712Domain"
)

// Domain identifies the deployment orders are signed for.
type Domain struct {
	ChainID           uint64
	VerifyingContract common.Address
}

func (d Domain) typed() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(d.ChainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

func domainFields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}
}

// orderTypes returns the struct layout of each order kind. Field order is
// part of the hash.
func orderTypes(kind domain.Kind) (string, []apitypes.Type) {
	switch kind {
	case domain.KindApp:
		return "AppOrder", []apitypes.Type{
			{Name: "app", Type: "address"},
			{Name: "appprice", Type: "uint256"},
			{Name: "volume", Type: "uint256"},
			{Name: "tag", Type: "bytes32"},
			{Name: "datasetrestrict", Type: "address"},
			{Name: "workerpoolrestrict", Type: "address"},
			{Name: "requesterrestrict", Type: "address"},
			{Name: "salt", Type: "bytes32"},
		}
	case domain.KindDataset:
		return "DatasetOrder", []apitypes.Type{
			{Name: "dataset", Type: "address"},
			{Name: "datasetprice", Type: "uint256"},
			{Name: "volume", Type: "uint256"},
			{Name: "tag", Type: "bytes32"},
			{Name: "apprestrict", Type: "address"},
			{Name: "workerpoolrestrict", Type: "address"},
			{Name: "requesterrestrict", Type: "address"},
			{Name: "salt", Type: "bytes32"},
		}
	case domain.KindWorkerpool:
		return "WorkerpoolOrder", []apitypes.Type{
			{Name: "workerpool", Type: "address"},
			{Name: "workerpoolprice", Type: "uint256"},
			{Name: "volume", Type: "uint256"},
			{Name: "tag", Type: "bytes32"},
			{Name: "category", Type: "uint256"},
			{Name: "trust", Type: "uint256"},
			{Name: "apprestrict", Type: "address"},
			{Name: "datasetrestrict", Type: "address"},
			{Name: "requesterrestrict", Type: "address"},
			{Name: "salt", Type: "bytes32"},
		}
	case domain.KindRequest:
		return "RequestOrder", []apitypes.Type{
			{Name: "app", Type: "address"},
			{Name: "appmaxprice", Type: "uint256"},
			{Name: "dataset", Type: "address"},
			{Name: "datasetmaxprice", Type: "uint256"},
			{Name: "workerpool", Type: "address"},
			{Name: "workerpoolmaxprice", Type: "uint256"},
			{Name: "requester", Type: "address"},
			{Name: "volume", Type: "uint256"},
			{Name: "tag", Type: "bytes32"},
			{Name: "category", Type: "uint256"},
			{Name: "trust", Type: "uint256"},
			{Name: "beneficiary", Type: "address"},
			{Name: "callback", Type: "address"},
			{Name: "params", Type: "string"},
			{Name: "salt", Type: "bytes32"},
		}
	default:
		return "", nil
	}
}

// TypeString returns the encoded type of an order kind, e.g.
// "AppOrder(address app,...)".
func TypeString(kind domain.Kind) string {
	name, fields := orderTypes(kind)
	td := apitypes.TypedData{Types: apitypes.Types{name: fields}}
	return string(td.EncodeType(name))
}

func message(o domain.Order) (apitypes.TypedDataMessage, error) {
	switch v := o.(type) {
	case domain.AppOrder:
		return apitypes.TypedDataMessage{
			"app":                v.App.Hex(),
			"appprice":           v.AppPrice.String(),
			"volume":             v.Volume.String(),
			"tag":                v.Tag.Hex(),
			"datasetrestrict":    v.DatasetRestrict.Hex(),
			"workerpoolrestrict": v.WorkerpoolRestrict.Hex(),
			"requesterrestrict":  v.RequesterRestrict.Hex(),
			"salt":               v.Salt.Hex(),
		}, nil
	case domain.DatasetOrder:
		return apitypes.TypedDataMessage{
			"dataset":            v.Dataset.Hex(),
			"datasetprice":       v.DatasetPrice.String(),
			"volume":             v.Volume.String(),
			"tag":                v.Tag.Hex(),
			"apprestrict":        v.AppRestrict.Hex(),
			"workerpoolrestrict": v.WorkerpoolRestrict.Hex(),
			"requesterrestrict":  v.RequesterRestrict.Hex(),
			"salt":               v.Salt.Hex(),
		}, nil
	case domain.WorkerpoolOrder:
		return apitypes.TypedDataMessage{
			"workerpool":        v.Workerpool.Hex(),
			"workerpoolprice":   v.WorkerpoolPrice.String(),
			"volume":            v.Volume.String(),
			"tag":               v.Tag.Hex(),
			"category":          v.Category.String(),
			"trust":             v.Trust.String(),
			"apprestrict":       v.AppRestrict.Hex(),
			"datasetrestrict":   v.DatasetRestrict.Hex(),
			"requesterrestrict": v.RequesterRestrict.Hex(),
			"salt":              v.Salt.Hex(),
		}, nil
	case domain.RequestOrder:
		return apitypes.TypedDataMessage{
			"app":                v.App.Hex(),
			"appmaxprice":        v.AppMaxPrice.String(),
			"dataset":            v.Dataset.Hex(),
			"datasetmaxprice":    v.DatasetMaxPrice.String(),
			"workerpool":         v.Workerpool.Hex(),
			"workerpoolmaxprice": v.WorkerpoolMaxPrice.String(),
			"requester":          v.Requester.Hex(),
			"volume":             v.Volume.String(),
			"tag":                v.Tag.Hex(),
			"category":           v.Category.String(),
			"trust":              v.Trust.String(),
			"beneficiary":        v.Beneficiary.Hex(),
			"callback":           v.Callback.Hex(),
			"params":             v.Params,
			"salt":               v.Salt.Hex(),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported order type %T", o)
	}
}

// OrderTypedData returns the full typed-data document of o for d, the
// payload a wallet signs.
func OrderTypedData(o domain.Order, d Domain) (apitypes.TypedData, error) {
	if o == nil {
		return apitypes.TypedData{}, fmt.Errorf("nil order")
	}
	msg, err := message(o)
	if err != nil {
		return apitypes.TypedData{}, err
	}
	name, fields := orderTypes(o.Kind())
	return apitypes.TypedData{
		Types: apitypes.Types{
			domainType: domainFields(),
			name:       fields,
		},
		PrimaryType: name,
		Domain:      d.typed(),
		Message:     msg,
	}, nil
}

// HashOrder returns keccak256(0x1901 || domainSeparator || structHash). The
// signature field never takes part.
func HashOrder(o domain.Order, d Domain) (common.Hash, error) {
	td, err := OrderTypedData(o, d)
	if err != nil {
		return common.Hash{}, err
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash %s: %w", o.Kind(), err)
	}
	return common.BytesToHash(hash), nil
}

// StructHash returns hashStruct(o) without the domain.
func StructHash(o domain.Order) (common.Hash, error) {
	td, err := OrderTypedData(o, Domain{})
	if err != nil {
		return common.Hash{}, err
	}
	h, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(h), nil
}

// DomainSeparator returns hashStruct(EIP712Domain) for d.
func DomainSeparator(d Domain) (common.Hash, error) {
	td := apitypes.TypedData{Types: apitypes.Types{domainType: domainFields()}, Domain: d.typed()}
	h, err := td.HashStruct(domainType, td.Domain.Map())
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(h), nil
}

// TypedData is a loosely typed EIP-712 document as served by an order book
// challenge endpoint. EIP712Domain may be missing from Types and
// PrimaryType may be empty.
type TypedData struct {
	Types       apitypes.Types `json:"types"`
	PrimaryType string         `json:"primaryType,omitempty"`
	Domain      map[string]any `json:"domain"`
	Message     map[string]any `json:"message"`
}

// DecodeTypedData parses raw JSON keeping numbers exact.
func DecodeTypedData(raw []byte) (TypedData, error) {
	var td TypedData
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&td); err != nil {
		return TypedData{}, err
	}
	return td, nil
}

// canonicalDomain lists the domain fields in the order EIP-712 defines.
var canonicalDomain = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
	{Name: "salt", Type: "bytes32"},
}

func (td TypedData) api() (apitypes.TypedData, error) {
	if len(td.Domain) == 0 {
		return apitypes.TypedData{}, fmt.Errorf("typed data has no domain")
	}
	types := apitypes.Types{}
	for name, fields := range td.Types {
		types[name] = fields
	}
	if _, ok := types[domainType]; !ok {
		var fields []apitypes.Type
		for _, f := range canonicalDomain {
			if _, present := td.Domain[f.Name]; present {
				fields = append(fields, f)
			}
		}
		types[domainType] = fields
	}
	dom := apitypes.TypedDataDomain{}
	if v, ok := td.Domain["name"]; ok {
		dom.Name = fmt.Sprint(v)
	}
	if v, ok := td.Domain["version"]; ok {
		dom.Version = fmt.Sprint(v)
	}
	if v, ok := td.Domain["chainId"]; ok {
		id, ok := new(big.Int).SetString(fmt.Sprint(normalize(v)), 0)
		if !ok {
			return apitypes.TypedData{}, fmt.Errorf("invalid domain chainId %v", v)
		}
		dom.ChainId = (*math.HexOrDecimal256)(id)
	}
	if v, ok := td.Domain["verifyingContract"]; ok {
		dom.VerifyingContract = fmt.Sprint(v)
	}
	if v, ok := td.Domain["salt"]; ok {
		dom.Salt = fmt.Sprint(v)
	}
	primary := td.PrimaryType
	if primary == "" {
		var err error
		if primary, err = rootType(td.Types); err != nil {
			return apitypes.TypedData{}, err
		}
	}
	msg, _ := normalize(td.Message).(map[string]any)
	return apitypes.TypedData{
		Types:       types,
		PrimaryType: primary,
		Domain:      dom,
		Message:     msg,
	}, nil
}

// rootType returns the only non-domain type no other type references.
func rootType(types apitypes.Types) (string, error) {
	referenced := map[string]bool{}
	for _, fields := range types {
		for _, f := range fields {
			base, _, _ := strings.Cut(f.Type, "[")
			referenced[base] = true
		}
	}
	var roots []string
	for name := range types {
		if name != domainType && !referenced[name] {
			roots = append(roots, name)
		}
	}
	sort.Strings(roots)
	if len(roots) != 1 {
		return "", fmt.Errorf("cannot infer primary type from %v", roots)
	}
	return roots[0], nil
}

// normalize turns json.Number into strings, the integer form apitypes
// accepts without loss.
func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		return x.String()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

// HashTypedData hashes an arbitrary typed-data document.
func HashTypedData(td TypedData) (common.Hash, error) {
	full, err := td.api()
	if err != nil {
		return common.Hash{}, err
	}
	hash, _, err := apitypes.TypedDataAndHash(full)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash typed data: %w", err)
	}
	return common.BytesToHash(hash), nil
}

package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Kind is the closed set of order kinds exchanged on the marketplace.
type Kind uint8

const (
	KindApp Kind = iota + 1
	KindDataset
	KindWorkerpool
	KindRequest
)

// AllKinds returns every order kind in processing order.
func AllKinds() []Kind {
	return []Kind{KindApp, KindDataset, KindWorkerpool, KindRequest}
}

// String returns the order name used on the wire ("apporder", ...).
func (k Kind) String() string {
	switch k {
	case KindApp:
		return "apporder"
	case KindDataset:
		return "datasetorder"
	case KindWorkerpool:
		return "workerpoolorder"
	case KindRequest:
		return "requestorder"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Resource returns the resource name ("app", "dataset", "workerpool", "request").
func (k Kind) Resource() string {
	return strings.TrimSuffix(k.String(), "order")
}

// Valid reports whether k is one of the four order kinds.
func (k Kind) Valid() bool {
	return k >= KindApp && k <= KindRequest
}

// ParseKind accepts both resource ("app") and order ("apporder") names.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimSuffix(name, "order")
	for _, k := range AllKinds() {
		if k.Resource() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown order kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid order kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// NullAddress is the "no restriction" / "unused" sentinel on the wire.
var NullAddress = common.Address{}

// IsNull reports whether a is the null address.
func IsNull(a common.Address) bool {
	return a == NullAddress
}

// Uint256 is an unsigned integer bounded to 256 bits, kept in canonical
// decimal form so values compare with ==.
type Uint256 struct {
	dec string
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func NewUint256(v uint64) Uint256 {
	if v == 0 {
		return Uint256{}
	}
	return Uint256{dec: new(big.Int).SetUint64(v).String()}
}

// Uint256FromBig rejects negative values and values wider than 256 bits.
func Uint256FromBig(b *big.Int) (Uint256, error) {
	if b == nil {
		return Uint256{}, nil
	}
	if b.Sign() < 0 {
		return Uint256{}, fmt.Errorf("negative value %s", b)
	}
	if b.Cmp(maxUint256) > 0 {
		return Uint256{}, fmt.Errorf("value %s overflows uint256", b)
	}
	if b.Sign() == 0 {
		return Uint256{}, nil
	}
	return Uint256{dec: b.String()}, nil
}

// ParseUint256 parses a decimal or 0x-prefixed hex integer.
func ParseUint256(s string) (Uint256, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Uint256{}, fmt.Errorf("empty integer")
	}
	digits, base := s, 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits, base = s[2:], 16
	}
	if digits == "" || strings.ContainsAny(digits, "+-_") {
		return Uint256{}, fmt.Errorf("invalid integer %q", s)
	}
	b, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return Uint256{}, fmt.Errorf("invalid integer %q", s)
	}
	return Uint256FromBig(b)
}

func (u Uint256) Big() *big.Int {
	if u.dec == "" {
		return new(big.Int)
	}
	b, _ := new(big.Int).SetString(u.dec, 10)
	return b
}

func (u Uint256) IsZero() bool { return u.dec == "" }

func (u Uint256) Cmp(o Uint256) int { return u.Big().Cmp(o.Big()) }

func (u Uint256) String() string {
	if u.dec == "" {
		return "0"
	}
	return u.dec
}

func (u Uint256) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *Uint256) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*u = Uint256{}
		return nil
	}
	raw = strings.Trim(raw, `"`)
	parsed, err := ParseUint256(raw)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Tag is the 32-byte bitfield of technical requirements.
type Tag [32]byte

const (
	TagTEE     = 0x01
	TagScone   = 0x03
	TagGramine = 0x05
	TagTDX     = 0x09
)

// namedTags maps tag names to their bit masks, lowest byte first.
func namedTags() map[string]Tag {
	var tee, scone, gramine, tdx, gpu Tag
	tee[31] = TagTEE
	scone[31] = TagScone
	gramine[31] = TagGramine
	tdx[31] = TagTDX
	gpu[30] = 0x01
	return map[string]Tag{"tee": tee, "scone": scone, "gramine": gramine, "tdx": tdx, "gpu": gpu}
}

// ParseTag accepts a 0x-prefixed 32-byte hex string or a comma separated list
// of tag names (tee, scone, gramine, tdx, gpu).
func ParseTag(s string) (Tag, error) {
	s = strings.TrimSpace(s)
	var t Tag
	if s == "" {
		return t, nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, err := hexutil.Decode(s)
		if err != nil {
			return t, fmt.Errorf("invalid tag %q: %w", s, err)
		}
		if len(b) != 32 {
			return t, fmt.Errorf("invalid tag %q: expected 32 bytes, got %d", s, len(b))
		}
		copy(t[:], b)
		return t, nil
	}
	names := namedTags()
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		bits, ok := names[name]
		if !ok {
			return Tag{}, fmt.Errorf("unknown tag %q", name)
		}
		t = t.Or(bits)
	}
	return t, nil
}

func (t Tag) Or(o Tag) Tag {
	var r Tag
	for i := range t {
		r[i] = t[i] | o[i]
	}
	return r
}

// AndNot returns t & ^o.
func (t Tag) AndNot(o Tag) Tag {
	var r Tag
	for i := range t {
		r[i] = t[i] &^ o[i]
	}
	return r
}

func (t Tag) IsZero() bool { return t == Tag{} }

// Has reports whether every bit of mask is set in t.
func (t Tag) Has(mask Tag) bool { return mask.AndNot(t).IsZero() }

func (t Tag) Hex() string { return hexutil.Encode(t[:]) }

func (t Tag) String() string { return t.Hex() }

func (t Tag) MarshalText() ([]byte, error) { return []byte(t.Hex()), nil }

func (t *Tag) UnmarshalText(b []byte) error {
	parsed, err := ParseTag(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Order is implemented by the four order records.
type Order interface {
	Kind() Kind
	OrderVolume() Uint256
	OrderTag() Tag
	Signature() []byte
	// Signed returns a copy of the order carrying sig.
	Signed(sig []byte) Order
}

type AppOrder struct {
	App                common.Address `json:"app"`
	AppPrice           Uint256        `json:"appprice"`
	Volume             Uint256        `json:"volume"`
	Tag                Tag            `json:"tag"`
	DatasetRestrict    common.Address `json:"datasetrestrict"`
	WorkerpoolRestrict common.Address `json:"workerpoolrestrict"`
	RequesterRestrict  common.Address `json:"requesterrestrict"`
	Salt               common.Hash    `json:"salt"`
	Sign               hexutil.Bytes  `json:"sign,omitempty"`
}

func (o AppOrder) Kind() Kind            { return KindApp }
func (o AppOrder) OrderVolume() Uint256  { return o.Volume }
func (o AppOrder) OrderTag() Tag         { return o.Tag }
func (o AppOrder) Signature() []byte     { return o.Sign }
func (o AppOrder) Signed(sig []byte) Order {
	o.Sign = append(hexutil.Bytes(nil), sig...)
	return o
}

type DatasetOrder struct {
	Dataset            common.Address `json:"dataset"`
	DatasetPrice       Uint256        `json:"datasetprice"`
	Volume             Uint256        `json:"volume"`
	Tag                Tag            `json:"tag"`
	AppRestrict        common.Address `json:"apprestrict"`
	WorkerpoolRestrict common.Address `json:"workerpoolrestrict"`
	RequesterRestrict  common.Address `json:"requesterrestrict"`
	Salt               common.Hash    `json:"salt"`
	Sign               hexutil.Bytes  `json:"sign,omitempty"`
}

func (o DatasetOrder) Kind() Kind           { return KindDataset }
func (o DatasetOrder) OrderVolume() Uint256 { return o.Volume }
func (o DatasetOrder) OrderTag() Tag        { return o.Tag }
func (o DatasetOrder) Signature() []byte    { return o.Sign }
func (o DatasetOrder) Signed(sig []byte) Order {
	o.Sign = append(hexutil.Bytes(nil), sig...)
	return o
}

type WorkerpoolOrder struct {
	Workerpool        common.Address `json:"workerpool"`
	WorkerpoolPrice   Uint256        `json:"workerpoolprice"`
	Volume            Uint256        `json:"volume"`
	Tag               Tag            `json:"tag"`
	Category          Uint256        `json:"category"`
	Trust             Uint256        `json:"trust"`
	AppRestrict       common.Address `json:"apprestrict"`
	DatasetRestrict   common.Address `json:"datasetrestrict"`
	RequesterRestrict common.Address `json:"requesterrestrict"`
	Salt              common.Hash    `json:"salt"`
	Sign              hexutil.Bytes  `json:"sign,omitempty"`
}

func (o WorkerpoolOrder) Kind() Kind           { return KindWorkerpool }
func (o WorkerpoolOrder) OrderVolume() Uint256 { return o.Volume }
func (o WorkerpoolOrder) OrderTag() Tag        { return o.Tag }
func (o WorkerpoolOrder) Signature() []byte    { return o.Sign }
func (o WorkerpoolOrder) Signed(sig []byte) Order {
	o.Sign = append(hexutil.Bytes(nil), sig...)
	return o
}

type RequestOrder struct {
	App                common.Address `json:"app"`
	AppMaxPrice        Uint256        `json:"appmaxprice"`
	Dataset            common.Address `json:"dataset"`
	DatasetMaxPrice    Uint256        `json:"datasetmaxprice"`
	Workerpool         common.Address `json:"workerpool"`
	WorkerpoolMaxPrice Uint256        `json:"workerpoolmaxprice"`
	Requester          common.Address `json:"requester"`
	Volume             Uint256        `json:"volume"`
	Tag                Tag            `json:"tag"`
	Category           Uint256        `json:"category"`
	Trust              Uint256        `json:"trust"`
	Beneficiary        common.Address `json:"beneficiary"`
	Callback           common.Address `json:"callback"`
	Params             string         `json:"params"`
	Salt               common.Hash    `json:"salt"`
	Sign               hexutil.Bytes  `json:"sign,omitempty"`
}

func (o RequestOrder) Kind() Kind           { return KindRequest }
func (o RequestOrder) OrderVolume() Uint256 { return o.Volume }
func (o RequestOrder) OrderTag() Tag        { return o.Tag }
func (o RequestOrder) Signature() []byte    { return o.Sign }
func (o RequestOrder) Signed(sig []byte) Order {
	o.Sign = append(hexutil.Bytes(nil), sig...)
	return o
}

// UsesDataset is the only place the null dataset address is interpreted.
func (o RequestOrder) UsesDataset() bool { return !IsNull(o.Dataset) }

// Subject returns the resource address an offer order sells. Requests have none.
func Subject(o Order) (common.Address, bool) {
	switch v := o.(type) {
	case AppOrder:
		return v.App, true
	case DatasetOrder:
		return v.Dataset, true
	case WorkerpoolOrder:
		return v.Workerpool, true
	default:
		return common.Address{}, false
	}
}

// DecodeOrder unmarshals a JSON order of the given kind.
func DecodeOrder(kind Kind, raw []byte) (Order, error) {
	switch kind {
	case KindApp:
		var o AppOrder
		err := json.Unmarshal(raw, &o)
		return o, err
	case KindDataset:
		var o DatasetOrder
		err := json.Unmarshal(raw, &o)
		return o, err
	case KindWorkerpool:
		var o WorkerpoolOrder
		err := json.Unmarshal(raw, &o)
		return o, err
	case KindRequest:
		var o RequestOrder
		err := json.Unmarshal(raw, &o)
		return o, err
	default:
		return nil, fmt.Errorf("invalid order kind %d", uint8(kind))
	}
}

// Deal is a settled match as reported by the order book.
type Deal struct {
	DealID         common.Hash `json:"dealid"`
	AppHash        common.Hash `json:"appHash"`
	DatasetHash    common.Hash `json:"datasetHash"`
	WorkerpoolHash common.Hash `json:"workerpoolHash"`
	RequestHash    common.Hash `json:"requestHash"`
	Volume         Uint256     `json:"volume"`
	TxHash         common.Hash `json:"txHash"`
	Timestamp      string      `json:"blockTimestamp,omitempty"`
}

// PublishedOrder is an order as stored by the book.
type PublishedOrder struct {
	OrderHash            common.Hash     `json:"orderHash"`
	ChainID              uint64          `json:"chainId"`
	Kind                 Kind            `json:"kind"`
	Order                json.RawMessage `json:"order"`
	Remaining            Uint256         `json:"remaining"`
	Status               string          `json:"status"`
	Signer               common.Address  `json:"signer"`
	PublicationTimestamp string          `json:"publicationTimestamp"`
}

// Decode returns the typed order carried by p.
func (p PublishedOrder) Decode() (Order, error) {
	return DecodeOrder(p.Kind, p.Order)
}

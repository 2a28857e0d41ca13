// Package order builds canonical orders from raw drafts.
//
// Drafts carry user-facing strings (templates, CLI flags). Building an order
// merges the draft over defaults, normalizes every field and rejects
// malformed input with a validation error naming the field. Nothing here
// touches the network.
package order

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"marketline/internal/domain"
)

// Num is a raw integer input. The empty value means omitted.
type Num string

func (n *Num) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*n = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = Num(s)
		return nil
	}
	*n = Num(raw)
	return nil
}

// Params is the raw request params. A JSON object in a template is kept as
// its compact text.
type Params string

func (p *Params) UnmarshalJSON(b []byte) error {
	raw := bytes.TrimSpace(b)
	switch {
	case bytes.Equal(raw, []byte("null")):
		*p = ""
	case len(raw) > 0 && raw[0] == '{':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return err
		}
		*p = Params(buf.String())
	default:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("params must be a string or an object: %w", err)
		}
		*p = Params(s)
	}
	return nil
}

type AppDraft struct {
	App                string `json:"app,omitempty"`
	AppPrice           Num    `json:"appprice,omitempty"`
	Volume             Num    `json:"volume,omitempty"`
	Tag                string `json:"tag,omitempty"`
	DatasetRestrict    string `json:"datasetrestrict,omitempty"`
	WorkerpoolRestrict string `json:"workerpoolrestrict,omitempty"`
	RequesterRestrict  string `json:"requesterrestrict,omitempty"`
	Salt               string `json:"salt,omitempty"`
}

type DatasetDraft struct {
	Dataset            string `json:"dataset,omitempty"`
	DatasetPrice       Num    `json:"datasetprice,omitempty"`
	Volume             Num    `json:"volume,omitempty"`
	Tag                string `json:"tag,omitempty"`
	AppRestrict        string `json:"apprestrict,omitempty"`
	WorkerpoolRestrict string `json:"workerpoolrestrict,omitempty"`
	RequesterRestrict  string `json:"requesterrestrict,omitempty"`
	Salt               string `json:"salt,omitempty"`
}

type WorkerpoolDraft struct {
	Workerpool        string `json:"workerpool,omitempty"`
	WorkerpoolPrice   Num    `json:"workerpoolprice,omitempty"`
	Volume            Num    `json:"volume,omitempty"`
	Tag               string `json:"tag,omitempty"`
	Category          Num    `json:"category,omitempty"`
	Trust             Num    `json:"trust,omitempty"`
	AppRestrict       string `json:"apprestrict,omitempty"`
	DatasetRestrict   string `json:"datasetrestrict,omitempty"`
	RequesterRestrict string `json:"requesterrestrict,omitempty"`
	Salt              string `json:"salt,omitempty"`
}

// RequestDraft leaves max prices optional. DatasetMaxPrice may only be
// omitted when no dataset is used.
type RequestDraft struct {
	App                string `json:"app,omitempty"`
	AppMaxPrice        Num    `json:"appmaxprice,omitempty"`
	Dataset            string `json:"dataset,omitempty"`
	DatasetMaxPrice    Num    `json:"datasetmaxprice,omitempty"`
	Workerpool         string `json:"workerpool,omitempty"`
	WorkerpoolMaxPrice Num    `json:"workerpoolmaxprice,omitempty"`
	Requester          string `json:"requester,omitempty"`
	Volume             Num    `json:"volume,omitempty"`
	Tag                string `json:"tag,omitempty"`
	Category           Num    `json:"category,omitempty"`
	Trust              Num    `json:"trust,omitempty"`
	Beneficiary        string `json:"beneficiary,omitempty"`
	Callback           string `json:"callback,omitempty"`
	Params             Params `json:"params,omitempty"`
	Salt               string `json:"salt,omitempty"`
}

func pick[T ~string](v, def T) T {
	if strings.TrimSpace(string(v)) != "" {
		return v
	}
	return def
}

// NewAppOrder merges draft over defaults and returns the validated order.
func NewAppOrder(draft, defaults AppDraft) (domain.AppOrder, error) {
	p := parser{}
	o := domain.AppOrder{
		App:                p.subject("app", pick(draft.App, defaults.App)),
		AppPrice:           p.amount("appprice", pick(draft.AppPrice, defaults.AppPrice)),
		Volume:             p.volume(pick(draft.Volume, defaults.Volume)),
		Tag:                p.tag(pick(draft.Tag, defaults.Tag)),
		DatasetRestrict:    p.address("datasetrestrict", pick(draft.DatasetRestrict, defaults.DatasetRestrict)),
		WorkerpoolRestrict: p.address("workerpoolrestrict", pick(draft.WorkerpoolRestrict, defaults.WorkerpoolRestrict)),
		RequesterRestrict:  p.address("requesterrestrict", pick(draft.RequesterRestrict, defaults.RequesterRestrict)),
		Salt:               p.salt(pick(draft.Salt, defaults.Salt)),
	}
	return o, p.err
}

func NewDatasetOrder(draft, defaults DatasetDraft) (domain.DatasetOrder, error) {
	p := parser{}
	o := domain.DatasetOrder{
		Dataset:            p.subject("dataset", pick(draft.Dataset, defaults.Dataset)),
		DatasetPrice:       p.amount("datasetprice", pick(draft.DatasetPrice, defaults.DatasetPrice)),
		Volume:             p.volume(pick(draft.Volume, defaults.Volume)),
		Tag:                p.tag(pick(draft.Tag, defaults.Tag)),
		AppRestrict:        p.address("apprestrict", pick(draft.AppRestrict, defaults.AppRestrict)),
		WorkerpoolRestrict: p.address("workerpoolrestrict", pick(draft.WorkerpoolRestrict, defaults.WorkerpoolRestrict)),
		RequesterRestrict:  p.address("requesterrestrict", pick(draft.RequesterRestrict, defaults.RequesterRestrict)),
		Salt:               p.salt(pick(draft.Salt, defaults.Salt)),
	}
	return o, p.err
}

func NewWorkerpoolOrder(draft, defaults WorkerpoolDraft) (domain.WorkerpoolOrder, error) {
	p := parser{}
	o := domain.WorkerpoolOrder{
		Workerpool:        p.subject("workerpool", pick(draft.Workerpool, defaults.Workerpool)),
		WorkerpoolPrice:   p.amount("workerpoolprice", pick(draft.WorkerpoolPrice, defaults.WorkerpoolPrice)),
		Volume:            p.volume(pick(draft.Volume, defaults.Volume)),
		Tag:               p.tag(pick(draft.Tag, defaults.Tag)),
		Category:          p.amount("category", pick(draft.Category, defaults.Category)),
		Trust:             p.amount("trust", pick(draft.Trust, defaults.Trust)),
		AppRestrict:       p.address("apprestrict", pick(draft.AppRestrict, defaults.AppRestrict)),
		DatasetRestrict:   p.address("datasetrestrict", pick(draft.DatasetRestrict, defaults.DatasetRestrict)),
		RequesterRestrict: p.address("requesterrestrict", pick(draft.RequesterRestrict, defaults.RequesterRestrict)),
		Salt:              p.salt(pick(draft.Salt, defaults.Salt)),
	}
	return o, p.err
}

// NewRequestOrder builds a request. The beneficiary falls back to the
// requester.
func NewRequestOrder(draft, defaults RequestDraft) (domain.RequestOrder, error) {
	p := parser{}
	o := domain.RequestOrder{
		App:                p.subject("app", pick(draft.App, defaults.App)),
		AppMaxPrice:        p.amount("appmaxprice", pick(draft.AppMaxPrice, defaults.AppMaxPrice)),
		Dataset:            p.address("dataset", pick(draft.Dataset, defaults.Dataset)),
		Workerpool:         p.address("workerpool", pick(draft.Workerpool, defaults.Workerpool)),
		WorkerpoolMaxPrice: p.amount("workerpoolmaxprice", pick(draft.WorkerpoolMaxPrice, defaults.WorkerpoolMaxPrice)),
		Requester:          p.subject("requester", pick(draft.Requester, defaults.Requester)),
		Volume:             p.volume(pick(draft.Volume, defaults.Volume)),
		Tag:                p.tag(pick(draft.Tag, defaults.Tag)),
		Category:           p.amount("category", pick(draft.Category, defaults.Category)),
		Trust:              p.amount("trust", pick(draft.Trust, defaults.Trust)),
		Callback:           p.address("callback", pick(draft.Callback, defaults.Callback)),
		Params:             p.params(string(pick(draft.Params, defaults.Params))),
		Salt:               p.salt(pick(draft.Salt, defaults.Salt)),
	}
	datasetPrice := pick(draft.DatasetMaxPrice, defaults.DatasetMaxPrice)
	if o.UsesDataset() && p.err == nil && strings.TrimSpace(string(datasetPrice)) == "" {
		p.fail("datasetmaxprice", "required when a dataset is used")
	}
	o.DatasetMaxPrice = p.amount("datasetmaxprice", datasetPrice)
	o.Beneficiary = p.address("beneficiary", pick(draft.Beneficiary, defaults.Beneficiary))
	if domain.IsNull(o.Beneficiary) {
		o.Beneficiary = o.Requester
	}
	return o, p.err
}

var hexAddress = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ParseAddress accepts all-lowercase, all-uppercase or EIP-55 checksummed
// hex. The empty string is the null address.
func ParseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.NullAddress, nil
	}
	if !hexAddress.MatchString(s) {
		return common.Address{}, domain.Validationf(field, "%s: invalid address %q", field, s)
	}
	addr := common.HexToAddress(s)
	body := s[2:]
	mixed := strings.ToLower(body) != body && strings.ToUpper(body) != body
	if mixed && addr.Hex() != s {
		return common.Address{}, domain.Validationf(field, "%s: bad address checksum %q", field, s)
	}
	return addr, nil
}

// NewSalt returns 32 random bytes.
func NewSalt() (common.Hash, error) {
	var h common.Hash
	if _, err := rand.Read(h[:]); err != nil {
		return h, fmt.Errorf("generate salt: %w", err)
	}
	return h, nil
}

// parser keeps the first failure so constructors read as one expression.
type parser struct {
	err error
}

func (p *parser) fail(field, format string, args ...any) {
	if p.err == nil {
		p.err = domain.Validationf(field, "%s: "+format, append([]any{field}, args...)...)
	}
}

func (p *parser) address(field, s string) common.Address {
	if p.err != nil {
		return common.Address{}
	}
	addr, err := ParseAddress(field, s)
	if err != nil {
		p.err = err
	}
	return addr
}

// subject is an address that must be set.
func (p *parser) subject(field, s string) common.Address {
	addr := p.address(field, s)
	if p.err == nil && domain.IsNull(addr) {
		p.fail(field, "missing address")
	}
	return addr
}

func (p *parser) amount(field string, n Num) domain.Uint256 {
	if p.err != nil || strings.TrimSpace(string(n)) == "" {
		return domain.Uint256{}
	}
	v, err := domain.ParseUint256(string(n))
	if err != nil {
		p.fail(field, "%v", err)
	}
	return v
}

// volume defaults to 1 when omitted; an explicit zero is rejected.
func (p *parser) volume(n Num) domain.Uint256 {
	if p.err != nil {
		return domain.Uint256{}
	}
	if strings.TrimSpace(string(n)) == "" {
		return domain.NewUint256(1)
	}
	v := p.amount("volume", n)
	if p.err == nil && v.IsZero() {
		p.fail("volume", "must be greater than 0")
	}
	return v
}

func (p *parser) tag(s string) domain.Tag {
	if p.err != nil {
		return domain.Tag{}
	}
	t, err := domain.ParseTag(s)
	if err != nil {
		p.fail("tag", "%v", err)
	}
	return t
}

func (p *parser) salt(s string) common.Hash {
	if p.err != nil {
		return common.Hash{}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		h, err := NewSalt()
		if err != nil {
			p.err = err
		}
		return h
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		p.fail("salt", "expected 32 bytes hex, got %q", s)
		return common.Hash{}
	}
	return common.BytesToHash(b)
}

func (p *parser) params(s string) string {
	if p.err != nil {
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		p.fail("params", "must be a JSON object")
		return ""
	}
	return s
}

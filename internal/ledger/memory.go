package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"marketline/internal/domain"
	"marketline/internal/eip712"
	"marketline/internal/match"
)

// Memory is an in-process Ledger. It applies the same compatibility rules as
// the hub and tracks consumed volumes per order hash.
type Memory struct {
	domain eip712.Domain

	mu        sync.Mutex
	deployed  map[domain.Kind]map[common.Address]bool
	contracts map[common.Address]bool
	consumed  map[common.Hash]domain.Uint256
	deals     []Deal
	txs       uint64
}

func NewMemory(d eip712.Domain) *Memory {
	return &Memory{
		domain:    d,
		deployed:  make(map[domain.Kind]map[common.Address]bool),
		contracts: make(map[common.Address]bool),
		consumed:  make(map[common.Hash]domain.Uint256),
	}
}

// Deploy registers addr as a resource of the given kind. Resources are
// contracts too.
func (m *Memory) Deploy(kind domain.Kind, addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deployed[kind] == nil {
		m.deployed[kind] = make(map[common.Address]bool)
	}
	m.deployed[kind][addr] = true
	m.contracts[addr] = true
}

// DeployContract marks addr as holding code, e.g. a callback contract.
func (m *Memory) DeployContract(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts[addr] = true
}

// Deals returns the settled deals in order.
func (m *Memory) Deals() []Deal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Deal(nil), m.deals...)
}

func (m *Memory) IsDeployed(_ context.Context, kind domain.Kind, addr common.Address) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deployed[kind][addr], nil
}

func (m *Memory) IsContract(_ context.Context, addr common.Address) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contracts[addr], nil
}

func (m *Memory) Consumed(_ context.Context, hash common.Hash) (domain.Uint256, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumed[hash], nil
}

func (m *Memory) remaining(o domain.Order, hash common.Hash) *domain.Uint256 {
	r := Remaining(o.OrderVolume(), m.consumed[hash])
	return &r
}

func (m *Memory) MatchOrders(_ context.Context, set OrderSet) (Deal, error) {
	orders := []domain.Order{set.App, set.Workerpool, set.Request}
	if set.Dataset != nil {
		orders = append(orders, *set.Dataset)
	}
	hashes := make([]common.Hash, len(orders))
	for i, o := range orders {
		if len(o.Signature()) == 0 {
			return Deal{}, domain.SigningErr(fmt.Sprintf("%s is not signed", o.Kind()), nil)
		}
		h, err := eip712.HashOrder(o, m.domain)
		if err != nil {
			return Deal{}, err
		}
		hashes[i] = h
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rem := match.Remaining{
		App:        m.remaining(set.App, hashes[0]),
		Workerpool: m.remaining(set.Workerpool, hashes[1]),
		Request:    m.remaining(set.Request, hashes[2]),
	}
	if set.Dataset != nil {
		rem.Dataset = m.remaining(*set.Dataset, hashes[3])
	}
	plan, err := match.CheckMatch(set.App, set.Dataset, set.Workerpool, set.Request, rem)
	if err != nil {
		return Deal{}, err
	}

	requestConsumed := m.consumed[hashes[2]]
	for _, h := range hashes {
		m.consumed[h] = add(m.consumed[h], plan.Volume)
	}
	deal := Deal{
		DealID:         crypto.Keccak256Hash(hashes[2].Bytes(), common.LeftPadBytes(requestConsumed.Big().Bytes(), 32)),
		Volume:         plan.Volume,
		TxHash:         m.nextTx(),
		AppHash:        hashes[0],
		WorkerpoolHash: hashes[1],
		RequestHash:    hashes[2],
	}
	if set.Dataset != nil {
		deal.DatasetHash = hashes[3]
	}
	m.deals = append(m.deals, deal)
	return deal, nil
}

// CancelOrder marks the whole volume of o as consumed.
func (m *Memory) CancelOrder(_ context.Context, o domain.Order) (common.Hash, error) {
	h, err := eip712.HashOrder(o, m.domain)
	if err != nil {
		return common.Hash{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed[h] = o.OrderVolume()
	return m.nextTx(), nil
}

func (m *Memory) nextTx() common.Hash {
	m.txs++
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], m.txs)
	return crypto.Keccak256Hash([]byte("marketline-tx"), n[:])
}

func add(a, b domain.Uint256) domain.Uint256 {
	sum := a.Big()
	sum.Add(sum, b.Big())
	v, _ := domain.Uint256FromBig(sum)
	return v
}

package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketline/internal/domain"
	"marketline/internal/eip712"
	"marketline/internal/ledger"
)

var (
	hub       = common.HexToAddress("0x3eca1B216A7DF1C7689aEb259fFB83ADFB894E7f")
	app       = common.HexToAddress("0x1a69b2EB604dB8eBa185dF03ea4F5288dcbbD248")
	pool      = common.HexToAddress("0x2a5F8a5eE8b7f8B7Dc2F4a0e7C6d2F41f0A7A9b8")
	requester = common.HexToAddress("0x7bd4783FDCAD405A28052a0d1f11236A741da593")
	sig       = []byte{0x01}
)

func orders(reqVolume uint64, salt byte) ledger.OrderSet {
	return ledger.OrderSet{
		App:        domain.AppOrder{App: app, AppPrice: domain.NewUint256(1), Volume: domain.NewUint256(3), Sign: sig},
		Workerpool: domain.WorkerpoolOrder{Workerpool: pool, WorkerpoolPrice: domain.NewUint256(2), Volume: domain.NewUint256(5), Sign: sig},
		Request: domain.RequestOrder{
			App: app, AppMaxPrice: domain.NewUint256(1), WorkerpoolMaxPrice: domain.NewUint256(2),
			Requester: requester, Beneficiary: requester, Volume: domain.NewUint256(reqVolume),
			Salt: common.Hash{salt}, Sign: sig,
		},
	}
}

func TestMemoryMatchConsumesVolume(t *testing.T) {
	ctx := context.Background()
	d := eip712.Domain{ChainID: 134, VerifyingContract: hub}
	m := ledger.NewMemory(d)

	deal, err := m.MatchOrders(ctx, orders(2, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.NewUint256(2), deal.Volume)
	assert.NotEqual(t, common.Hash{}, deal.DealID)
	assert.Equal(t, common.Hash{}, deal.DatasetHash)

	appHash, err := eip712.HashOrder(orders(2, 1).App, d)
	require.NoError(t, err)
	assert.Equal(t, appHash, deal.AppHash)
	consumed, err := m.Consumed(ctx, appHash)
	require.NoError(t, err)
	assert.Equal(t, domain.NewUint256(2), consumed)

	// Only one unit of the app order is left.
	deal, err = m.MatchOrders(ctx, orders(4, 2))
	require.NoError(t, err)
	assert.Equal(t, domain.NewUint256(1), deal.Volume)

	_, err = m.MatchOrders(ctx, orders(1, 3))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrIncompatible))
	assert.Len(t, m.Deals(), 2)
}

func TestMemoryCancelClosesOrder(t *testing.T) {
	ctx := context.Background()
	m := ledger.NewMemory(eip712.Domain{ChainID: 134, VerifyingContract: hub})
	set := orders(1, 1)
	tx, err := m.CancelOrder(ctx, set.Workerpool)
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, tx)

	_, err = m.MatchOrders(ctx, set)
	assert.True(t, errors.Is(err, domain.ErrIncompatible))
}

func TestMemoryRejectsUnsigned(t *testing.T) {
	m := ledger.NewMemory(eip712.Domain{ChainID: 134, VerifyingContract: hub})
	set := orders(1, 1)
	set.App.Sign = nil
	_, err := m.MatchOrders(context.Background(), set)
	assert.True(t, errors.Is(err, domain.ErrSigning))
}

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	m := ledger.NewMemory(eip712.Domain{ChainID: 134, VerifyingContract: hub})
	m.Deploy(domain.KindApp, app)
	ok, _ := m.IsDeployed(ctx, domain.KindApp, app)
	assert.True(t, ok)
	ok, _ = m.IsDeployed(ctx, domain.KindDataset, app)
	assert.False(t, ok)
	ok, _ = m.IsContract(ctx, app)
	assert.True(t, ok)
	ok, _ = m.IsContract(ctx, requester)
	assert.False(t, ok)
}

func TestRemaining(t *testing.T) {
	assert.Equal(t, domain.NewUint256(3), ledger.Remaining(domain.NewUint256(5), domain.NewUint256(2)))
	assert.True(t, ledger.Remaining(domain.NewUint256(5), domain.NewUint256(7)).IsZero())
}

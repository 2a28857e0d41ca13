package engine

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketline/internal/app"
	"marketline/internal/config"
	"marketline/internal/domain"
	"marketline/internal/eip712"
	"marketline/internal/wallet"
)

func TestRequestOnTheFlyParams(t *testing.T) {
	s, err := wallet.FromHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	e := Engine{
		Context: &app.Context{Chain: config.Chain{ID: 134, ResultProxy: "https://result.example"}},
		Domain:  eip712.Domain{ChainID: 134, VerifyingContract: common.HexToAddress("0x3eca1B216A7DF1C7689aEb259fFB83ADFB894E7f")},
		Signer:  s,
		Log:     zerolog.Nop(),
	}
	offer := domain.AppOrder{App: common.HexToAddress("0x1a69b2EB604dB8eBa185dF03ea4F5288dcbbD248"), AppPrice: domain.NewUint256(2)}
	pool := domain.WorkerpoolOrder{Workerpool: common.HexToAddress("0x2a5F8a5eE8b7f8B7Dc2F4a0e7C6d2F41f0A7A9b8"), Category: domain.NewUint256(1)}

	for _, params := range []string{"", "  "} {
		o, err := e.requestOnTheFly(offer, nil, pool, params)
		require.NoError(t, err)
		req := o.(domain.RequestOrder)
		assert.JSONEq(t, `{"iexec_result_storage_provider":"ipfs","iexec_result_storage_proxy":"https://result.example"}`, req.Params)
		assert.Equal(t, domain.NewUint256(2), req.AppMaxPrice)
		assert.Equal(t, s.Address(), req.Requester)
	}

	o, err := e.requestOnTheFly(offer, nil, pool, `{"iexec_args":"x"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"iexec_args":"x"}`, o.(domain.RequestOrder).Params)
}

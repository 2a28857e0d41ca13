package order_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketline/internal/domain"
	"marketline/internal/order"
)

const (
	appAddr       = "0x2a5F8a5eE8b7f8B7Dc2F4a0e7C6d2F41f0A7A9b8"
	requesterAddr = "0x7bd4783FDCAD405A28052a0d1f11236A741da593"
)

func TestNewAppOrderDefaults(t *testing.T) {
	o, err := order.NewAppOrder(order.AppDraft{AppPrice: "5"}, order.AppDraft{App: appAddr})
	require.NoError(t, err)
	assert.Equal(t, domain.NewUint256(5), o.AppPrice)
	assert.Equal(t, domain.NewUint256(1), o.Volume)
	assert.True(t, o.Tag.IsZero())
	assert.True(t, domain.IsNull(o.DatasetRestrict))
	assert.NotEqual(t, [32]byte{}, [32]byte(o.Salt))

	other, err := order.NewAppOrder(order.AppDraft{AppPrice: "5"}, order.AppDraft{App: appAddr})
	require.NoError(t, err)
	assert.NotEqual(t, o.Salt, other.Salt, "salts are random")
}

func TestValidationNamesField(t *testing.T) {
	cases := []struct {
		name  string
		draft order.AppDraft
		field string
	}{
		{"zero volume", order.AppDraft{App: appAddr, Volume: "0"}, "volume"},
		{"bad price", order.AppDraft{App: appAddr, AppPrice: "-3"}, "appprice"},
		{"missing app", order.AppDraft{}, "app"},
		{"bad checksum", order.AppDraft{App: "0x2A5f8A5EE8b7f8B7DC2f4a0e7C6d2F41f0a7A9b8"}, "app"},
		{"short restrict", order.AppDraft{App: appAddr, DatasetRestrict: "0x1234"}, "datasetrestrict"},
		{"bad tag", order.AppDraft{App: appAddr, Tag: "fpga"}, "tag"},
		{"bad salt", order.AppDraft{App: appAddr, Salt: "0x01"}, "salt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := order.NewAppOrder(tc.draft, order.AppDraft{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation))
			var typed *domain.Error
			require.True(t, errors.As(err, &typed))
			assert.Equal(t, tc.field, typed.Field)
		})
	}
}

func TestParseAddressCase(t *testing.T) {
	lower, err := order.ParseAddress("app", "0x2a5f8a5ee8b7f8b7dc2f4a0e7c6d2f41f0a7a9b8")
	require.NoError(t, err)
	checksummed, err := order.ParseAddress("app", lower.Hex())
	require.NoError(t, err)
	assert.Equal(t, lower, checksummed)

	null, err := order.ParseAddress("callback", "")
	require.NoError(t, err)
	assert.True(t, domain.IsNull(null))
}

func TestNewRequestOrder(t *testing.T) {
	base := order.RequestDraft{App: appAddr, Requester: requesterAddr}

	o, err := order.NewRequestOrder(order.RequestDraft{Params: `{"iexec_args":"--x"}`, Tag: "tee"}, base)
	require.NoError(t, err)
	assert.Equal(t, o.Requester, o.Beneficiary)
	assert.False(t, o.UsesDataset())
	assert.True(t, o.AppMaxPrice.IsZero())
	assert.Equal(t, `{"iexec_args":"--x"}`, o.Params)

	_, err = order.NewRequestOrder(order.RequestDraft{Dataset: appAddr}, base)
	require.Error(t, err)
	var typed *domain.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, "datasetmaxprice", typed.Field)

	withDataset, err := order.NewRequestOrder(order.RequestDraft{Dataset: appAddr, DatasetMaxPrice: "0"}, base)
	require.NoError(t, err)
	assert.True(t, withDataset.UsesDataset())

	for _, bad := range []order.Params{"[1,2]", "null", "plain text"} {
		_, err = order.NewRequestOrder(order.RequestDraft{Params: bad}, base)
		assert.Error(t, err, string(bad))
	}
}

func TestDraftJSONAcceptsNumbersAndObjects(t *testing.T) {
	var d order.RequestDraft
	raw := `{"app":"` + appAddr + `","requester":"` + requesterAddr + `","volume":3,"appmaxprice":"10","params":{"iexec_args":"hello"}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &d))
	o, err := order.NewRequestOrder(d, order.RequestDraft{})
	require.NoError(t, err)
	assert.Equal(t, domain.NewUint256(3), o.Volume)
	assert.Equal(t, domain.NewUint256(10), o.AppMaxPrice)
	assert.Equal(t, `{"iexec_args":"hello"}`, o.Params)
}

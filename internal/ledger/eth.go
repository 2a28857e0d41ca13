package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"marketline/internal/domain"
)

// TxSigner signs transactions for the sending account.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Eth is a Ledger backed by a JSON-RPC node.
type Eth struct {
	endpoint string
	client   *ethclient.Client
	chainID  *big.Int
	hubAddr  common.Address
	hubABI   abi.ABI
	regABI   abi.ABI
	hub      *bind.BoundContract
	signer   TxSigner
	log      zerolog.Logger
}

// EthConfig configures DialEth. Signer may be nil for read-only use.
type EthConfig struct {
	Endpoint string
	ChainID  uint64
	Hub      common.Address
	Signer   TxSigner
	Log      zerolog.Logger
}

func DialEth(ctx context.Context, cfg EthConfig) (*Eth, error) {
	client, err := ethclient.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, domain.ConnectivityErr(cfg.Endpoint, err)
	}
	return NewEth(client, cfg)
}

// NewEth wraps an existing client.
func NewEth(client *ethclient.Client, cfg EthConfig) (*Eth, error) {
	hubABI, regABI, err := parseABIs()
	if err != nil {
		return nil, fmt.Errorf("parse hub abi: %w", err)
	}
	return &Eth{
		endpoint: cfg.Endpoint,
		client:   client,
		chainID:  new(big.Int).SetUint64(cfg.ChainID),
		hubAddr:  cfg.Hub,
		hubABI:   hubABI,
		regABI:   regABI,
		hub:      bind.NewBoundContract(cfg.Hub, hubABI, client, client, client),
		signer:   cfg.Signer,
		log:      cfg.Log,
	}, nil
}

func (e *Eth) Close() { e.client.Close() }

func (e *Eth) call(ctx context.Context, c *bind.BoundContract, method string, args ...any) ([]any, error) {
	var out []any
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, domain.ConnectivityErr(e.endpoint, fmt.Errorf("%s: %w", method, err))
	}
	if len(out) == 0 {
		return nil, domain.ProtocolErr(e.endpoint, method+" returned no value", nil)
	}
	return out, nil
}

func (e *Eth) IsDeployed(ctx context.Context, kind domain.Kind, addr common.Address) (bool, error) {
	if kind == domain.KindRequest || !kind.Valid() {
		return false, fmt.Errorf("%s has no registry", kind)
	}
	out, err := e.call(ctx, e.hub, kind.Resource()+"registry")
	if err != nil {
		return false, err
	}
	registry, ok := out[0].(common.Address)
	if !ok {
		return false, domain.ProtocolErr(e.endpoint, "unexpected registry address type", nil)
	}
	reg := bind.NewBoundContract(registry, e.regABI, e.client, e.client, e.client)
	out, err = e.call(ctx, reg, "isRegistered", addr)
	if err != nil {
		return false, err
	}
	registered, _ := out[0].(bool)
	return registered, nil
}

func (e *Eth) IsContract(ctx context.Context, addr common.Address) (bool, error) {
	code, err := e.client.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, domain.ConnectivityErr(e.endpoint, err)
	}
	return len(code) > 0, nil
}

func (e *Eth) Consumed(ctx context.Context, hash common.Hash) (domain.Uint256, error) {
	out, err := e.call(ctx, e.hub, "viewConsumed", hash)
	if err != nil {
		return domain.Uint256{}, err
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return domain.Uint256{}, domain.ProtocolErr(e.endpoint, "unexpected viewConsumed result type", nil)
	}
	return domain.Uint256FromBig(n)
}

func (e *Eth) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if e.signer == nil {
		return nil, domain.SigningErr("wallet is required to send transactions", nil)
	}
	from := e.signer.Address()
	return &bind.TransactOpts{
		From:    from,
		Context: ctx,
		Signer: func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != from {
				return nil, bind.ErrNotAuthorized
			}
			return e.signer.SignTx(tx, e.chainID)
		},
	}, nil
}

// send submits a hub transaction and waits for a successful receipt.
func (e *Eth) send(ctx context.Context, method string, args ...any) (*types.Receipt, error) {
	opts, err := e.transactOpts(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := e.hub.Transact(opts, method, args...)
	if err != nil {
		return nil, &domain.Error{Kind: domain.APIFailure, Op: method, Endpoint: e.endpoint, Msg: "transaction rejected", Err: err}
	}
	e.log.Debug().Str("method", method).Str("tx", tx.Hash().Hex()).Msg("transaction sent")
	receipt, err := bind.WaitMined(ctx, e.client, tx)
	if err != nil {
		return nil, domain.ConnectivityErr(e.endpoint, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, &domain.Error{Kind: domain.APIFailure, Op: method, Endpoint: e.endpoint, Msg: fmt.Sprintf("transaction %s reverted", tx.Hash().Hex())}
	}
	return receipt, nil
}

func (e *Eth) MatchOrders(ctx context.Context, set OrderSet) (Deal, error) {
	dataset := datasetOrderTupleT{Datasetprice: new(big.Int), Volume: new(big.Int), Sign: []byte{}}
	if set.Dataset != nil {
		dataset = datasetTuple(*set.Dataset)
	}
	receipt, err := e.send(ctx, "matchOrders", appTuple(set.App), dataset, workerpoolTuple(set.Workerpool), requestTuple(set.Request))
	if err != nil {
		return Deal{}, err
	}
	deal, err := e.dealFromLogs(receipt.Logs)
	if err != nil {
		return Deal{}, err
	}
	deal.TxHash = receipt.TxHash
	return deal, nil
}

func (e *Eth) dealFromLogs(logs []*types.Log) (Deal, error) {
	event := e.hubABI.Events["OrdersMatched"]
	for _, l := range logs {
		if l.Address != e.hubAddr || len(l.Topics) == 0 || l.Topics[0] != event.ID {
			continue
		}
		return decodeOrdersMatched(e.hubABI, l.Data)
	}
	return Deal{}, domain.ProtocolErr(e.endpoint, "OrdersMatched event not found in receipt", nil)
}

func decodeOrdersMatched(hub abi.ABI, data []byte) (Deal, error) {
	vals, err := hub.Unpack("OrdersMatched", data)
	if err != nil || len(vals) != 6 {
		return Deal{}, domain.ProtocolErr("", "malformed OrdersMatched event", err)
	}
	var d Deal
	hashes := []*common.Hash{&d.DealID, &d.AppHash, &d.DatasetHash, &d.WorkerpoolHash, &d.RequestHash}
	for i, dst := range hashes {
		b, ok := vals[i].([32]byte)
		if !ok {
			return Deal{}, domain.ProtocolErr("", "malformed OrdersMatched event", nil)
		}
		*dst = common.Hash(b)
	}
	volume, ok := vals[5].(*big.Int)
	if !ok {
		return Deal{}, domain.ProtocolErr("", "malformed OrdersMatched event", nil)
	}
	if d.Volume, err = domain.Uint256FromBig(volume); err != nil {
		return Deal{}, domain.ProtocolErr("", "malformed OrdersMatched volume", err)
	}
	return d, nil
}

func (e *Eth) CancelOrder(ctx context.Context, o domain.Order) (common.Hash, error) {
	method, arg, ok := closeCall(o)
	if !ok {
		return common.Hash{}, fmt.Errorf("unsupported order type %T", o)
	}
	receipt, err := e.send(ctx, method, arg)
	if err != nil {
		return common.Hash{}, err
	}
	return receipt.TxHash, nil
}

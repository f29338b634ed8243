package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TargetDeliveryParams mirrors the deliverSingle tuple argument of the relay provider.
type TargetDeliveryParams struct {
	EncodedVMs           [][]byte
	DeliveryIndex        uint8
	MultisendIndex       uint8
	RelayerRefundAddress eth_common.Address
}

// Backend is what a relay provider binding needs from a destination chain client. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// RelayProvider is a binding to the relay provider contract on one destination chain, signing with a
// single key.
type RelayProvider struct {
	address  eth_common.Address
	backend  Backend
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey
	signer   eth_common.Address
	chainID  *big.Int
}

func NewRelayProvider(ctx context.Context, address eth_common.Address, backend Backend, key *ecdsa.PrivateKey) (*RelayProvider, error) {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	return &RelayProvider{
		address:  address,
		backend:  backend,
		contract: bind.NewBoundContract(address, relayProviderABI, backend, backend, backend),
		key:      key,
		signer:   crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
	}, nil
}

func (p *RelayProvider) Address() eth_common.Address {
	return p.address
}

func (p *RelayProvider) Signer() eth_common.Address {
	return p.signer
}

// ApprovedSender reports whether sender may submit deliveries through this provider.
func (p *RelayProvider) ApprovedSender(ctx context.Context, sender eth_common.Address) (bool, error) {
	var out []interface{}
	if err := p.contract.Call(&bind.CallOpts{Context: ctx}, &out, "approvedSender", sender); err != nil {
		return false, fmt.Errorf("approvedSender call failed: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("approvedSender returned %d values", len(out))
	}
	approved, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("approvedSender returned %T", out[0])
	}
	return approved, nil
}

// DeliverSingle submits a deliverSingle transaction paying value wei with a fixed gas limit.
func (p *RelayProvider) DeliverSingle(ctx context.Context, params TargetDeliveryParams, value *big.Int, gasLimit uint64) (*types.Transaction, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(p.key, p.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	opts.Value = value
	opts.GasLimit = gasLimit
	return p.contract.Transact(opts, "deliverSingle", params)
}

// WaitMined blocks until tx is included and returns its receipt.
func (p *RelayProvider) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return bind.WaitMined(ctx, p.backend, tx)
}

// PackDeliverSingle returns the calldata of a deliverSingle call.
func PackDeliverSingle(params TargetDeliveryParams) ([]byte, error) {
	return relayProviderABI.Pack("deliverSingle", params)
}

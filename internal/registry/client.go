// Package registry implements the read-only and write-once interface to
// the on-chain agent registry.
package registry

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/shurlinet/agentmesh/internal/corelog"
)

// AgentRecord is the registry-held, locally cached agent record.
type AgentRecord struct {
	Name             string
	Metadata         string
	Reputation       int64
	IsActive         bool
	IsBlocked        bool
	RegistrationTime int64
}

// Eligible reports whether this record is allowed to participate in the
// overlay: isActive AND NOT isBlocked.
func (r AgentRecord) Eligible() bool { return r.IsActive && !r.IsBlocked }

// metadataKeys is the shape every agent's free-form metadata JSON is
// expected to carry at least a subset of.
type metadataKeys struct {
	PublicKey string `json:"publicKey"`
}

// Client is the registry contract surface the node consults. Read calls
// have no built-in retry: the caller decides whether to retry.
type Client interface {
	IsRegistered(ctx context.Context, address string) (bool, error)
	GetAgentInfo(ctx context.Context, address string) (AgentRecord, error)
	GetPublicKey(ctx context.Context, address string) (string, error)
	IsBlocked(address string) bool
	RegisterSelf(ctx context.Context, name, metadataJSON string) error
}

// registryABI is the minimal ABI surface this client calls. A full abigen
// binding is unnecessary for three contract methods; a bound contract's
// raw Call/Transact covers them.
const registryABI = `[
  {"type":"function","name":"isRegistered","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getAgentInfo","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[
     {"name":"name","type":"string"},
     {"name":"metadata","type":"string"},
     {"name":"reputation","type":"int256"},
     {"name":"isActive","type":"bool"},
     {"name":"isBlocked","type":"bool"},
     {"name":"registrationTime","type":"uint256"}
   ]},
  {"type":"function","name":"registerAgent","stateMutability":"nonpayable",
   "inputs":[{"name":"name","type":"string"},{"name":"metadata","type":"string"}],
   "outputs":[]}
]`

// EthClient is the on-chain-backed Client implementation: read calls go
// through ethclient.Client via a bound contract's Call, the write call
// waits synchronously for transaction inclusion.
type EthClient struct {
	eth      *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
	signer   *bind.TransactOpts // nil for a read-only client
	log      corelog.Logger

	// blockedCache is read by the connection gater's goroutine while
	// GetAgentInfo writes from API/send goroutines; blockedMu serializes
	// both sides.
	blockedMu    sync.RWMutex
	blockedCache map[string]bool
}

// NewEthClient dials rpcURL and binds registryAddress using the minimal ABI
// above. signer is nil for nodes that only ever read the registry.
func NewEthClient(rpcURL, registryAddress string, signer *bind.TransactOpts, log corelog.Logger) (*EthClient, error) {
	if log == nil {
		log = corelog.Discard()
	}
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("registry: dial rpc %q: %w", rpcURL, err)
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("registry: parse abi: %w", err)
	}
	addr := common.HexToAddress(registryAddress)
	contract := bind.NewBoundContract(addr, parsed, eth, eth, eth)
	return &EthClient{
		eth:          eth,
		contract:     contract,
		address:      addr,
		signer:       signer,
		log:          log.With("component", "registry"),
		blockedCache: make(map[string]bool),
	}, nil
}

// IsRegistered reports whether address has ever registered.
func (c *EthClient) IsRegistered(ctx context.Context, address string) (bool, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isRegistered", common.HexToAddress(address))
	if err != nil {
		return false, fmt.Errorf("registry: isRegistered(%s): %w", address, err)
	}
	if len(out) == 0 {
		return false, nil
	}
	reg, _ := out[0].(bool)
	return reg, nil
}

// GetAgentInfo fetches the full agent record for address. Returns
// ErrNotFound if the address was never registered.
func (c *EthClient) GetAgentInfo(ctx context.Context, address string) (AgentRecord, error) {
	reg, err := c.IsRegistered(ctx, address)
	if err != nil {
		return AgentRecord{}, err
	}
	if !reg {
		return AgentRecord{}, fmt.Errorf("%w: %s", ErrNotFound, address)
	}

	var out []interface{}
	err = c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getAgentInfo", common.HexToAddress(address))
	if err != nil {
		return AgentRecord{}, fmt.Errorf("registry: getAgentInfo(%s): %w", address, err)
	}
	if len(out) < 6 {
		return AgentRecord{}, fmt.Errorf("registry: unexpected getAgentInfo result shape")
	}
	rec := AgentRecord{
		Name:     out[0].(string),
		Metadata: out[1].(string),
		IsActive: out[3].(bool),
	}
	if rep, ok := out[2].(*big.Int); ok {
		rec.Reputation = rep.Int64()
	}
	if blocked, ok := out[4].(bool); ok {
		rec.IsBlocked = blocked
	}
	if ts, ok := out[5].(*big.Int); ok {
		rec.RegistrationTime = ts.Int64()
	}
	c.blockedMu.Lock()
	c.blockedCache[strings.ToLower(address)] = rec.IsBlocked
	c.blockedMu.Unlock()
	return rec, nil
}

// GetPublicKey parses metadata.publicKey as hex. Fails with
// ErrMalformedMetadata if absent or unparsable.
func (c *EthClient) GetPublicKey(ctx context.Context, address string) (string, error) {
	rec, err := c.GetAgentInfo(ctx, address)
	if err != nil {
		return "", err
	}
	var meta metadataKeys
	if err := json.Unmarshal([]byte(rec.Metadata), &meta); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	if meta.PublicKey == "" {
		return "", fmt.Errorf("%w: no publicKey field", ErrMalformedMetadata)
	}
	if _, err := hex.DecodeString(strings.TrimPrefix(meta.PublicKey, "0x")); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	return meta.PublicKey, nil
}

// IsBlocked answers from the last cached GetAgentInfo result, used by the
// overlay's connection gater. An address never looked up answers false.
func (c *EthClient) IsBlocked(address string) bool {
	c.blockedMu.RLock()
	defer c.blockedMu.RUnlock()
	return c.blockedCache[strings.ToLower(address)]
}

// RegisterSelf writes name+metadata once at startup and waits synchronously
// for transaction inclusion. "Already registered" reverts are
// treated as success.
func (c *EthClient) RegisterSelf(ctx context.Context, name, metadataJSON string) error {
	if c.signer == nil {
		return fmt.Errorf("%w: client has no signer", ErrRegistration)
	}
	tx, err := c.contract.Transact(c.signer, "registerAgent", name, metadataJSON)
	if err != nil {
		if isAlreadyRegistered(err) {
			c.log.Info("registerSelf: already registered", "name", name)
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.eth, tx)
	if err != nil {
		return fmt.Errorf("%w: wait mined: %v", ErrRegistration, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		if isAlreadyRegistered(err) {
			return nil
		}
		return fmt.Errorf("%w: transaction reverted", ErrRegistration)
	}
	return nil
}

func isAlreadyRegistered(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already registered")
}

// NewSigner builds the transaction signer RegisterSelf needs from the
// node's own secret, querying the RPC endpoint for the chain id so the
// resulting TransactOpts sign EIP-155 transactions on whatever network
// RPC_URL points at.
func NewSigner(ctx context.Context, rpcURL, secretHex string) (*bind.TransactOpts, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("registry: dial rpc %q: %w", rpcURL, err)
	}
	defer eth.Close()
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: query chain id: %w", err)
	}
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(secretHex, "0x"), "0X"))
	if err != nil {
		return nil, fmt.Errorf("registry: parse signer secret: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(priv, chainID)
	if err != nil {
		return nil, fmt.Errorf("registry: build transactor: %w", err)
	}
	return opts, nil
}

package chain

import (
	"context"
	"errors"
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
	"github.com/rs/zerolog"

	"bestguess/internal/settle"
)

// escrowABI covers the slice of the escrow contract this service touches:
// the two round operations, the idempotency and balance views, and the two
// events the listener consumes.
const escrowABI = `[
	{"type":"function","name":"betGame","stateMutability":"nonpayable","inputs":[{"name":"itx","type":"bytes32"},{"name":"players","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"outputs":[]},
	{"type":"function","name":"endGame","stateMutability":"nonpayable","inputs":[{"name":"itx","type":"bytes32"},{"name":"winner","type":"address"}],"outputs":[]},
	{"type":"function","name":"isTxUsed","stateMutability":"view","inputs":[{"name":"itx","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getBalance","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getAvailableToWithdraw","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"BetGame","anonymous":false,"inputs":[{"name":"itx","type":"bytes32","indexed":true},{"name":"players","type":"address[]","indexed":false},{"name":"amounts","type":"uint256[]","indexed":false}]},
	{"type":"event","name":"GameEnded","anonymous":false,"inputs":[{"name":"itx","type":"bytes32","indexed":true},{"name":"winner","type":"address","indexed":true},{"name":"payout","type":"uint256","indexed":false}]}
]`

// EscrowABI returns the parsed contract interface shared by the submitter
// and the event listener.
func EscrowABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(escrowABI))
}

// ErrTxReverted is returned when a mined escrow transaction failed on-chain.
var ErrTxReverted = errors.New("escrow transaction reverted")

// Escrow submits round operations to the on-chain escrow contract and
// answers its views. Implements the settlement pipeline's contract boundary.
type Escrow struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
	auth     *bind.TransactOpts
	log      zerolog.Logger

	confirmWait time.Duration

	// One in-flight transaction at a time; the signing key's nonce sequence
	// must not interleave.
	mu sync.Mutex
}

type EscrowOption func(*Escrow)

// WithConfirmWait bounds how long a submit call waits for its receipt.
func WithConfirmWait(d time.Duration) EscrowOption {
	return func(e *Escrow) { e.confirmWait = d }
}

func NewEscrow(ctx context.Context, rpcURL, contractAddr, signerKeyHex string, log zerolog.Logger, opts ...EscrowOption) (*Escrow, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain node: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(signerKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	parsed, err := EscrowABI()
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}

	addr := common.HexToAddress(contractAddr)
	e := &Escrow{
		client:      client,
		contract:    bind.NewBoundContract(addr, parsed, client, client, client),
		address:     addr,
		auth:        auth,
		log:         log.With().Str("component", "escrow").Logger(),
		confirmWait: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Client exposes the underlying node connection for the event listener.
func (e *Escrow) Client() *ethclient.Client {
	return e.client
}

// Address is the escrow contract address.
func (e *Escrow) Address() common.Address {
	return e.address
}

// SubmitPlacement escrows every participant's stake under one idempotency
// key. Waits (bounded) for the receipt; on a timed-out wait the returned
// hash is valid and the error is settle.ErrConfirmTimeout.
func (e *Escrow) SubmitPlacement(ctx context.Context, itx, roundID string, wallets []string, stakes []int64) (string, error) {
	players := make([]common.Address, len(wallets))
	for i, w := range wallets {
		players[i] = common.HexToAddress(w)
	}
	amounts := make([]*big.Int, len(stakes))
	for i, s := range stakes {
		amounts[i] = big.NewInt(s)
	}

	e.mu.Lock()
	tx, err := e.contract.Transact(e.auth, "betGame", common.HexToHash(itx), players, amounts)
	e.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("betGame %s: %w", roundID, err)
	}
	return e.waitMined(ctx, tx)
}

// SubmitSettlement releases the round's escrowed stakes to the winner.
func (e *Escrow) SubmitSettlement(ctx context.Context, itx, roundID, winnerWallet string) (string, error) {
	e.mu.Lock()
	tx, err := e.contract.Transact(e.auth, "endGame", common.HexToHash(itx), common.HexToAddress(winnerWallet))
	e.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("endGame %s: %w", roundID, err)
	}
	return e.waitMined(ctx, tx)
}

// IsKeyConsumed asks the contract whether an idempotency key has ever been
// executed.
func (e *Escrow) IsKeyConsumed(ctx context.Context, itx string) (bool, error) {
	var out []interface{}
	err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isTxUsed", common.HexToHash(itx))
	if err != nil {
		return false, fmt.Errorf("isTxUsed: %w", err)
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("isTxUsed: unexpected return type %T", out[0])
	}
	return used, nil
}

// GetBalance returns the wallet's escrowed balance.
func (e *Escrow) GetBalance(ctx context.Context, wallet string) (int64, error) {
	return e.callUint(ctx, "getBalance", wallet)
}

// GetAvailableBalance returns the portion of the wallet's escrowed balance
// not committed to open rounds.
func (e *Escrow) GetAvailableBalance(ctx context.Context, wallet string) (int64, error) {
	return e.callUint(ctx, "getAvailableToWithdraw", wallet)
}

func (e *Escrow) callUint(ctx context.Context, method, wallet string) (int64, error) {
	var out []interface{}
	err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, common.HexToAddress(wallet))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", method, err)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%s: unexpected return type %T", method, out[0])
	}
	return v.Int64(), nil
}

func (e *Escrow) waitMined(ctx context.Context, tx *types.Transaction) (string, error) {
	hash := tx.Hash().Hex()
	waitCtx, cancel := context.WithTimeout(ctx, e.confirmWait)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, e.client, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return hash, fmt.Errorf("tx %s: %w", hash, settle.ErrConfirmTimeout)
		}
		return hash, fmt.Errorf("wait mined %s: %w", hash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, fmt.Errorf("tx %s: %w", hash, ErrTxReverted)
	}
	e.log.Debug().Str("tx_hash", hash).Uint64("block", receipt.BlockNumber.Uint64()).Msg("escrow transaction mined")
	return hash, nil
}

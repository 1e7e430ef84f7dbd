package settle

import (
	"github.com/ethereum/go-ethereum/crypto"
)

// DeriveItx turns a ledger record id into its on-chain idempotency key.
// The key is a one-way hash of the record's durable identity, so it is
// stable across retries and unguessable before the record exists.
func DeriveItx(recordID string) string {
	return crypto.Keccak256Hash([]byte(recordID)).Hex()
}

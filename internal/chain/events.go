package chain

import (
	"github.com/ethereum/go-ethereum/core/types"
)

// EventKind names the canonical contract event categories.
type EventKind string

const (
	EventPlaced  EventKind = "Placed"
	EventSettled EventKind = "Settled"
)

// Event is the canonical form of one observed contract log. The idempotency
// key is the event's unique identity; replayed logs carrying the same key
// are absorbed downstream.
type Event struct {
	Kind        EventKind
	Itx         string
	TxHash      string
	BlockNumber uint64
}

func eventFromLog(kind EventKind, lg types.Log) Event {
	ev := Event{
		Kind:        kind,
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
	}
	if len(lg.Topics) > 1 {
		ev.Itx = lg.Topics[1].Hex()
	}
	return ev
}

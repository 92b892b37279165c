package bus

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/oselabs/peerchat/internal/domain"
)

var ErrNoLink = errors.New("no link for peer")

// PublishResult reports fan-out stats to the caller.
type PublishResult struct {
	SentTo  int
	Skipped []domain.PeerID
}

// Bus serializes messages onto the links of one connection table.
type Bus struct {
	table *Table
}

func New(table *Table) *Bus {
	return &Bus{table: table}
}

func (b *Bus) Table() *Table { return b.table }

// Broadcast sends the message on every link that reports itself open at
// call time. Links not open are silently skipped: not retried, not queued.
func (b *Bus) Broadcast(m Message) PublishResult {
	data, err := Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "bus").Msg("broadcast encode")
		return PublishResult{}
	}

	res := PublishResult{}
	for peer, l := range b.table.Snapshot() {
		if !l.Ready() {
			res.Skipped = append(res.Skipped, peer)
			continue
		}
		if err := l.Send(data); err != nil {
			log.Warn().Err(err).Str("module", "bus").Str("peer", string(peer)).Msg("broadcast send")
			res.Skipped = append(res.Skipped, peer)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "bus").Int("sent_to", res.SentTo).Int("skipped", len(res.Skipped)).Msg("broadcast result")
	return res
}

// Send delivers the message on the single link for the given peer.
func (b *Bus) Send(peer domain.PeerID, m Message) error {
	l, ok := b.table.Get(peer)
	if !ok {
		return ErrNoLink
	}
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return l.Send(data)
}

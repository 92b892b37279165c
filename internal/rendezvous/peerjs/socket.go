// Package peerjs implements the rendezvous broker against a
// PeerJS-protocol signaling server: a websocket session for connection
// setup, pion/webrtc data channels for direct links, and separate media
// peer connections for calls.
package peerjs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeDeadline   = 5 * time.Second
	heartbeatPeriod = 5 * time.Second
	sendBuffer      = 32
)

var errSocketClosed = errors.New("signaling socket closed")

// wsSocket owns the signaling websocket: buffered writes through a
// pump, reads dispatched to a handler. Close is idempotent.
type wsSocket struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

func (s *wsSocket) trySend(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSocketClosed
	}
	select {
	case s.send <- data:
	default:
		return errors.New("backpressure")
	}
	return nil
}

func (s *wsSocket) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	_ = s.conn.Close()
	s.mu.Unlock()
}

func (s *wsSocket) writePump(ctx context.Context) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "peerjs").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := s.trySend(heartbeatFrame); err != nil {
				return
			}
		case data, ok := <-s.send:
			if !ok {
				log.Debug().Str("module", "peerjs").Msg("writePump channel closed")
				return
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "peerjs").Msg("writePump set deadline")
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "peerjs").Msg("writePump write error")
				return
			}
		}
	}
}

func (s *wsSocket) readPump(ctx context.Context, handle func(data []byte), disconnected func()) {
	defer func() {
		log.Debug().Str("module", "peerjs").Msg("readPump closing")
		s.close()
		disconnected()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Str("module", "peerjs").Msg("readPump read error")
				return
			}
			handle(data)
		}
	}
}

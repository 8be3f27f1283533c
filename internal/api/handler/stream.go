package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jmerrifield20/BlockWitness/internal/ledger"
	"go.uber.org/zap"
)

const (
	streamBuffer     = 16
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

// BlockEvent is pushed to stream subscribers for every appended block.
type BlockEvent struct {
	Type  string       `json:"type"`
	Block BlockSummary `json:"block"`
}

// BlockStream fans appended blocks out to websocket subscribers. Slow
// subscribers whose buffer is full miss events rather than stall appends.
type BlockStream struct {
	mu       sync.Mutex
	subs     map[chan BlockEvent]struct{}
	upgrader websocket.Upgrader
	done     <-chan struct{}
	logger   *zap.Logger
}

// NewBlockStream creates a BlockStream whose connections are closed once ctx
// is cancelled. allowOrigin decides which browser origins may connect; nil
// allows all.
func NewBlockStream(ctx context.Context, allowOrigin func(origin string) bool, logger *zap.Logger) *BlockStream {
	s := &BlockStream{
		subs:   make(map[chan BlockEvent]struct{}),
		done:   ctx.Done(),
		logger: logger,
	}
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return allowOrigin == nil || origin == "" || allowOrigin(origin)
	}
	return s
}

// Register mounts GET /chain/stream.
func (s *BlockStream) Register(rg *gin.RouterGroup) {
	rg.GET("/chain/stream", s.Serve)
}

// Publish sends b to every subscriber. It is safe to use as a
// ledger.AppendObserver.
func (s *BlockStream) Publish(b *ledger.Block) {
	ev := BlockEvent{Type: "block", Block: BlockSummary{
		Index:        b.Index,
		Timestamp:    b.Timestamp,
		BlockHash:    b.BlockHash,
		PreviousHash: b.PreviousHash,
		MerkleRoot:   b.MerkleRoot,
		TxCount:      len(b.Transactions),
		LeafCount:    len(b.LeafHashes),
	}}

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Debug("block stream subscriber lagging, event dropped", zap.Uint64("idx", b.Index))
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (s *BlockStream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *BlockStream) subscribe() chan BlockEvent {
	ch := make(chan BlockEvent, streamBuffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	bwStreamSubscribers.Set(float64(len(s.subs)))
	s.mu.Unlock()
	return ch
}

func (s *BlockStream) unsubscribe(ch chan BlockEvent) {
	s.mu.Lock()
	delete(s.subs, ch)
	bwStreamSubscribers.Set(float64(len(s.subs)))
	s.mu.Unlock()
}

// Serve upgrades the request and streams block events until the client
// disconnects, the request context ends or the server shuts down.
func (s *BlockStream) Serve(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	// Reader: only control frames are expected; a read error means the
	// client went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait)) //nolint:errcheck
			return
		case ev := <-ch:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait)) //nolint:errcheck
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

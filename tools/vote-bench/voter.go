package main

import (
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	jsonrpc "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"stakebft/types"
)

const (
	sendTimeout = 10 * time.Second
	// the rpc server drops websocket clients that stop pinging
	pingPeriod = (30 * 9 / 10) * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// voter casts votes over N websocket connections at a fixed rate per
// connection. Topics are drawn from a fixed pool so that votes of several
// benchmarked nodes land on the same topics and can reach quorum.
type voter struct {
	Target      string
	Rate        int
	Connections int
	Topics      int
	AgainstRate float64

	conns       []*websocket.Conn
	connsBroken []bool
	startingWg  sync.WaitGroup
	endingWg    sync.WaitGroup
	stopped     int32

	sent   uint64
	failed uint64

	logger log.Logger
}

func newVoter(target string, connections, rate, topics int, againstRate float64) *voter {
	return &voter{
		Target:      target,
		Rate:        rate,
		Connections: connections,
		Topics:      topics,
		AgainstRate: againstRate,
		conns:       make([]*websocket.Conn, connections),
		connsBroken: make([]bool, connections),
		logger:      log.NewNopLogger(),
	}
}

// SetLogger lets you set your own logger
func (v *voter) SetLogger(l log.Logger) {
	v.logger = l
}

// Start opens N = `v.Connections` connections to the target and creates read
// and write goroutines for each connection.
func (v *voter) Start() error {
	atomic.StoreInt32(&v.stopped, 0)

	for i := 0; i < v.Connections; i++ {
		c, _, err := connect(v.Target)
		if err != nil {
			return err
		}
		v.conns[i] = c
	}

	v.startingWg.Add(v.Connections)
	v.endingWg.Add(2 * v.Connections)
	for i := 0; i < v.Connections; i++ {
		go v.sendLoop(i)
		go v.receiveLoop(i)
	}

	v.startingWg.Wait()

	return nil
}

// Stop closes the connections.
func (v *voter) Stop() {
	atomic.StoreInt32(&v.stopped, 1)
	v.endingWg.Wait()
	for _, c := range v.conns {
		c.Close()
	}
}

func (v *voter) isStopped() bool {
	return atomic.LoadInt32(&v.stopped) == 1
}

// Stats returns the number of votes sent and the number the node refused.
func (v *voter) Stats() (sent, failed uint64) {
	return atomic.LoadUint64(&v.sent), atomic.LoadUint64(&v.failed)
}

// receiveLoop counts the refused votes among the responses.
func (v *voter) receiveLoop(connIndex int) {
	c := v.conns[connIndex]
	defer v.endingWg.Done()
	for {
		_, bz, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				v.logger.Error(
					fmt.Sprintf("failed to read response on conn %d", connIndex),
					"err",
					err,
				)
			}
			return
		}
		var resp jsonrpc.RPCResponse
		if err := json.Unmarshal(bz, &resp); err == nil && resp.Error != nil {
			atomic.AddUint64(&v.failed, 1)
			v.logger.Debug("vote refused", "conn", connIndex, "err", resp.Error.Data)
		}
		if v.isStopped() || v.connsBroken[connIndex] {
			return
		}
	}
}

// sendLoop casts votes at a given rate.
func (v *voter) sendLoop(connIndex int) {
	started := false
	// Close the starting waitgroup, in the event that this fails to start
	defer func() {
		if !started {
			v.startingWg.Done()
		}
	}()
	c := v.conns[connIndex]

	c.SetPingHandler(func(message string) error {
		err := c.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(sendTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		} else if e, ok := err.(net.Error); ok && e.Temporary() {
			return nil
		}
		return err
	})

	logger := v.logger.With("addr", c.RemoteAddr())

	pingsTicker := time.NewTicker(pingPeriod)
	votesTicker := time.NewTicker(1 * time.Second)
	defer func() {
		pingsTicker.Stop()
		votesTicker.Stop()
		v.endingWg.Done()
	}()

	for {
		select {
		case <-votesTicker.C:
			startTime := time.Now()
			endTime := startTime.Add(time.Second)
			numSent := v.Rate
			if !started {
				v.startingWg.Done()
				started = true
			}

			now := time.Now()
			for i := 0; i < v.Rate; i++ {
				paramsJSON, err := json.Marshal(v.generateVote())
				if err != nil {
					logger.Error("failed to encode params", "err", err)
					return
				}

				_ = c.SetWriteDeadline(now.Add(sendTimeout))
				err = c.WriteJSON(jsonrpc.RPCRequest{
					JSONRPC: "2.0",
					ID:      jsonrpc.JSONRPCStringID("vote-bench"),
					Method:  "vote",
					Params:  paramsJSON,
				})
				if err != nil {
					err = errors.Wrap(err,
						fmt.Sprintf("votes send failed on connection #%d", connIndex))
					v.connsBroken[connIndex] = true
					logger.Error(err.Error())
					return
				}
				atomic.AddUint64(&v.sent, 1)

				// cache the time.Now() reads to save time.
				if i%5 == 0 {
					now = time.Now()
					if now.After(endTime) {
						// Plus one accounts for sending this vote
						numSent = i + 1
						break
					}
				}
			}

			timeToSend := time.Since(startTime)
			logger.Info(fmt.Sprintf("sent %d votes", numSent), "took", timeToSend)
			if timeToSend < 1*time.Second {
				sleepTime := time.Second - timeToSend
				logger.Debug(fmt.Sprintf("connection #%d is sleeping for %f seconds", connIndex, sleepTime.Seconds()))
				time.Sleep(sleepTime)
			}

		case <-pingsTicker.C:
			_ = c.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				err = errors.Wrap(err,
					fmt.Sprintf("failed to write ping message on conn #%d", connIndex))
				logger.Error(err.Error())
				v.connsBroken[connIndex] = true
			}
		}

		if v.isStopped() {
			// To cleanly close a connection, a client should send a close
			// frame and wait for the server to close the connection.
			_ = c.SetWriteDeadline(time.Now().Add(sendTimeout))
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				err = errors.Wrap(err,
					fmt.Sprintf("failed to write close message on conn #%d", connIndex))
				logger.Error(err.Error())
				v.connsBroken[connIndex] = true
			}

			return
		}
	}
}

func connect(host string) (*websocket.Conn, *http.Response, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/websocket"}
	return websocket.DefaultDialer.Dial(u.String(), nil)
}

// generateVote picks a topic from the pool. Its id is the hash of
// "topic-<n>", so every bench instance agrees on the pool.
func (v *voter) generateVote() map[string]interface{} {
	topic := types.TopicIDFromData([]byte(fmt.Sprintf("topic-%d", rand.Intn(v.Topics))))
	decision := "for"
	if rand.Float64() < v.AgainstRate {
		decision = "against"
	}
	return map[string]interface{}{
		"topic":    topic.String(),
		"decision": decision,
	}
}

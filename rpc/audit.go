package rpc

import (
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"stakebft/types"
)

const (
	maxAuditPage = 1000

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type ResultAudit struct {
	Events []types.AuditEvent `json:"events"`
}

// AuditEvents returns up to limit audit events starting at seq from.
func (env *Environment) AuditEvents(ctx *rpctypes.Context, from uint64, limit int) (*ResultAudit, error) {
	if limit <= 0 || limit > maxAuditPage {
		limit = maxAuditPage
	}
	evs, err := env.Recorder.Events(from, limit)
	if err != nil {
		return nil, err
	}
	return &ResultAudit{Events: evs}, nil
}

var (
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	streamClients uint64
)

// AuditStreamHandler serves the audit log over a websocket, one JSON
// AuditEvent per text message. With ?from=N the stored events from seq N
// are sent first, then the stream continues live without gaps or repeats.
func (env *Environment) AuditStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var from uint64
		if s := r.URL.Query().Get("from"); s != "" {
			var err error
			if from, err = strconv.ParseUint(s, 10, 64); err != nil {
				http.Error(w, fmt.Sprintf("bad from %q", s), http.StatusBadRequest)
				return
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			env.Logger.Error("failed to upgrade audit stream", "remote", r.RemoteAddr, "err", err)
			return
		}
		defer conn.Close()

		clientID := fmt.Sprintf("%s#%d", r.RemoteAddr, atomic.AddUint64(&streamClients, 1))
		// subscribe before reading the backlog so nothing falls in between
		sub, err := env.Recorder.Subscribe(clientID)
		if err != nil {
			env.writeClose(conn, websocket.CloseTryAgainLater, err.Error())
			return
		}
		defer env.Recorder.Unsubscribe(clientID)
		env.Logger.Info("audit stream opened", "client", clientID, "from", from)

		var last uint64
		if from > 0 {
			backlog, err := env.Recorder.Events(from, 0)
			if err != nil {
				env.writeClose(conn, websocket.CloseInternalServerErr, err.Error())
				return
			}
			for _, ev := range backlog {
				if err := env.writeEvent(conn, ev); err != nil {
					return
				}
				last = ev.Seq
			}
		}

		done := make(chan struct{})
		go readLoop(conn, done)

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				env.Logger.Info("audit stream closed by client", "client", clientID)
				return
			case ev, ok := <-sub:
				if !ok {
					env.writeClose(conn, websocket.CloseTryAgainLater, "subscription dropped")
					return
				}
				if ev.Seq <= last {
					continue
				}
				if err := env.writeEvent(conn, ev); err != nil {
					return
				}
				last = ev.Seq
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

// readLoop consumes control frames until the client goes away.
func readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (env *Environment) writeEvent(conn *websocket.Conn, ev types.AuditEvent) error {
	bz, err := json.Marshal(ev)
	if err != nil {
		env.Logger.Error("failed to encode audit event", "seq", ev.Seq, "err", err)
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, bz)
}

func (env *Environment) writeClose(conn *websocket.Conn, code int, text string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}

package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"stakebft/rpc"
	"stakebft/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	from      uint64
	filter    string
	reconnect bool
)

var rootCmd = &cobra.Command{
	Use:   "audit-tail [host:port]",
	Short: "Follow the audit log of a stakebft node",
	Args:  cobra.ExactArgs(1),
	RunE:  tail,
}

func init() {
	rootCmd.Flags().Uint64Var(&from, "from", 1, "first sequence number to print, 0 for live events only")
	rootCmd.Flags().StringVar(&filter, "event", "", "only print events of this name")
	rootCmd.Flags().BoolVar(&reconnect, "reconnect", true, "reconnect and resume after the last seen event")
}

func tail(cmd *cobra.Command, args []string) error {
	last := uint64(0)
	if from > 0 {
		last = from - 1
	}

	follow := func() error {
		u := url.URL{Scheme: "ws", Host: args[0], Path: rpc.AuditStreamPath}
		if last > 0 || from > 0 {
			u.RawQuery = "from=" + strconv.FormatUint(last+1, 10)
		}
		c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
		if err != nil {
			return err
		}
		defer c.Close()

		for {
			_, bz, err := c.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return backoff.Permanent(err)
				}
				return err
			}
			var ev types.AuditEvent
			if err := json.Unmarshal(bz, &ev); err != nil {
				return backoff.Permanent(err)
			}
			last = ev.Seq
			if filter == "" || filter == ev.Name {
				fmt.Printf("%d %s %s %s\n", ev.Seq, ev.Time.Format(time.RFC3339Nano), ev.Name, ev.Data)
			}
		}
	}

	if !reconnect {
		return follow()
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	return backoff.RetryNotify(follow, b, func(err error, d time.Duration) {
		fmt.Fprintf(os.Stderr, "stream lost after seq %d: %v, retrying in %v\n", last, err, d)
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

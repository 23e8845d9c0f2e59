package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"
)

var (
	connections int
	rate        int
	topics      int
	againstRate float64
	duration    time.Duration
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "vote-bench [host:port]",
	Short: "Cast votes against a running stakebft node at a fixed rate",
	Args:  cobra.ExactArgs(1),
	RunE:  runBench,
}

func init() {
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 1, "connections to open to the node")
	rootCmd.Flags().IntVarP(&rate, "rate", "r", 100, "votes per second per connection")
	rootCmd.Flags().IntVar(&topics, "topics", 16, "size of the topic pool votes are drawn from")
	rootCmd.Flags().Float64Var(&againstRate, "against", 0, "share of votes cast against the topic")
	rootCmd.Flags().DurationVarP(&duration, "duration", "T", 10*time.Second, "how long to run")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every batch")
}

func runBench(cmd *cobra.Command, args []string) error {
	if rate <= 0 || connections <= 0 || topics <= 0 {
		return fmt.Errorf("rate, connections and topics must be positive")
	}

	logger := log.NewNopLogger()
	if verbose {
		logger = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	}

	v := newVoter(args[0], connections, rate, topics, againstRate)
	v.SetLogger(logger)
	if err := v.Start(); err != nil {
		return err
	}

	stopped := make(chan struct{})
	tmos.TrapSignal(logger, func() {
		close(stopped)
	})

	start := time.Now()
	select {
	case <-time.After(duration):
	case <-stopped:
	}
	v.Stop()

	sent, failed := v.Stats()
	elapsed := time.Since(start)
	fmt.Printf("sent %d votes in %v (%.1f/s), %d refused\n",
		sent, elapsed, float64(sent)/elapsed.Seconds(), failed)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

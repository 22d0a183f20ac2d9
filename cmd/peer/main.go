// Command peer starts one node of the chunk-transfer network: it loads
// a static roster and whatever chunks it already holds, then drives the
// single-threaded engine against its UDP datagram endpoint and standard
// input.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"p2p-rdt/internal/engine"
	"p2p-rdt/internal/fragment"
	"p2p-rdt/internal/logging"
	"p2p-rdt/internal/netio"
	"p2p-rdt/internal/roster"
)

var (
	peersFile      string
	chunkFile      string
	maxSend        int
	identity       uint32
	timeoutSeconds int
	verbose        int
)

var rootCmd = &cobra.Command{
	Use:   "peer",
	Short: "Run a chunk-transfer peer",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&peersFile, "peers", "p", "", "path to the peer roster file (required)")
	rootCmd.Flags().StringVarP(&chunkFile, "chunkfile", "c", "", "path to this peer's initial fragment file (required)")
	rootCmd.Flags().IntVarP(&maxSend, "max-send", "m", 8, "max distinct concurrent inbound uploads")
	rootCmd.Flags().Uint32VarP(&identity, "identity", "i", 0, "this peer's id in the roster (required)")
	rootCmd.Flags().IntVarP(&timeoutSeconds, "timeout", "t", 0, "fixed retransmission timeout in seconds; 0 enables adaptive RTT estimation")
	rootCmd.Flags().IntVarP(&verbose, "verbose", "v", 0, "stdout log verbosity: 0=silent 1=warn 2=info 3=debug")

	_ = rootCmd.MarkFlagRequired("peers")
	_ = rootCmd.MarkFlagRequired("chunkfile")
	_ = rootCmd.MarkFlagRequired("identity")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ro, err := roster.Load(peersFile)
	if err != nil {
		return err
	}
	self, err := ro.Self(identity)
	if err != nil {
		return err
	}

	log, err := logging.New(identity, verbose)
	if err != nil {
		return fmt.Errorf("peer: set up logging: %w", err)
	}
	defer log.Sync()

	store, err := fragment.LoadFragmentFile(chunkFile)
	if err != nil {
		return fmt.Errorf("peer: load chunk file: %w", err)
	}

	ep, err := netio.Open(self.Host, self.Port, self.ID)
	if err != nil {
		return fmt.Errorf("peer: open datagram endpoint: %w", err)
	}
	defer ep.Close()

	log.Info("peer starting",
		zap.Uint32("identity", self.ID),
		zap.String("addr", self.Addr()),
		zap.Int("chunks_held", store.Len()),
		zap.Int("max_send", maxSend),
		zap.Int("roster_size", ro.Len()),
	)

	eng := engine.NewEngine(engine.Config{
		Self:         self,
		Roster:       ro,
		MaxSend:      maxSend,
		FixedTimeout: time.Duration(timeoutSeconds) * time.Second,
		Log:          log,
		Endpoint:     ep,
		Store:        store,
		UseColors:    true,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go eng.Metrics().LogPeriodic(ctx, 30*time.Second)

	return eng.Run(ctx, os.Stdin)
}

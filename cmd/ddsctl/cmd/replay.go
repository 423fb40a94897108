package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cyclonedds-go/ddscore/arena"
	"github.com/cyclonedds-go/ddscore/cmn/config"
	"github.com/cyclonedds-go/ddscore/defrag"
	"github.com/cyclonedds-go/ddscore/dqueue"
	"github.com/cyclonedds-go/ddscore/ingest"
	"github.com/cyclonedds-go/ddscore/metrics"
	"github.com/cyclonedds-go/ddscore/pipeline"
	"github.com/cyclonedds-go/ddscore/reorder"
	"github.com/cyclonedds-go/ddscore/rhc"
)

var replayProxyWriterIID uint64

var replayCmd = &cobra.Command{
	Use:   "replay <capture.pcap>",
	Short: "drive the receive pipeline from a pcap capture",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().Uint64Var(&replayProxyWriterIID, "writer-iid", 1, "synthetic proxy-writer instance id to attribute captured traffic to")
}

func runReplay(_ *cobra.Command, args []string) error {
	if configFile != "" {
		if err := config.GCO.Load(configFile, watchCfg); err != nil {
			return err
		}
	}
	cfg := config.GCO.Get()

	src, err := ingest.OpenPcap(args[0])
	if err != nil {
		return err
	}
	defer src.Close()

	owner := arena.NewOwnerToken()
	pool := arena.NewPool(owner, cfg.Arena.RbufSize, cfg.Arena.MaxRmsgSize)

	drop := defrag.DropOldest
	if cfg.Defrag.DropPolicy == "latest" {
		drop = defrag.DropLatest
	}
	mode := reorder.Normal
	switch cfg.Reorder.Mode {
	case "monotonic":
		mode = reorder.MonotonicallyIncreasing
	case "always":
		mode = reorder.AlwaysDeliver
	}

	pw := pipeline.NewProxyWriter(replayProxyWriterIID, drop, cfg.Defrag.MaxSamples, mode, cfg.Reorder.MaxSamples, cfg.Reorder.LateAckMode)
	cache := rhc.NewRing(cfg.Dqueue.MaxSamples)

	p := pipeline.NewPipe(pw, nil, cache)
	dq := dqueue.New("replay", cfg.Dqueue.MaxSamples, p.Handler())
	p.SetDqueue(dq)
	p.SetMetrics(metrics.New(prometheus.NewRegistry()), strconv.FormatUint(replayProxyWriterIID, 10))
	dq.Start()
	defer dq.Free()

	if err := src.Run(context.Background(), pool, owner, p); err != nil {
		return err
	}
	dq.WaitUntilEmptyIfFull()

	fmt.Printf("replay complete: %d samples delivered into the reader history cache\n", cache.Len())
	return nil
}

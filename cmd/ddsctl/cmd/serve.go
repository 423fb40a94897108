package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cyclonedds-go/ddscore/admin"
	"github.com/cyclonedds-go/ddscore/cmn/config"
	"github.com/cyclonedds-go/ddscore/cmn/nlog"
	"github.com/cyclonedds-go/ddscore/entity"
	"github.com/cyclonedds-go/ddscore/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "bring up the entity registry and introspection surface",
	RunE:  runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	if configFile != "" {
		if err := config.GCO.Load(configFile, watchCfg); err != nil {
			return err
		}
	}
	cfg := config.GCO.Get()

	reg := entity.NewRegistry()
	defer reg.Shutdown()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	srv := admin.New(reg, promReg)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(cfg.Admin.Listen) }()

	gaugeTick := time.NewTicker(time.Second)
	defer gaugeTick.Stop()
	go func() {
		for range gaugeTick.C {
			m.EntityLiveCount.Set(float64(reg.LiveCount()))
			m.HandleTableLen.Set(float64(reg.TableLen()))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		nlog.Infoln("ddsctl: received", s, "- shutting down")
		return srv.Shutdown()
	}
}

// Command tsseg runs the demonstration HTTP surface over the off-heap
// Gorilla segment store: an arena-backed allocator, a collector
// scheduler, and a gin API for creating segments, appending points, and
// reading them back.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tsseg/internal/arena"
	"tsseg/internal/collector"
	"tsseg/internal/gorilla"
	"tsseg/internal/metrics"

	"tsseg/api"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		listenAddr        string
		arenaCapacity     int64
		blockSize         int
		collectorCapacity int
		collectorDelay    time.Duration
		collectorTick     time.Duration
		releaseMode       bool
	)

	cmd := &cobra.Command{
		Use:   "tsseg",
		Short: "Run the off-heap time-series segment store demonstration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runConfig{
				listenAddr:        listenAddr,
				arenaCapacity:     int(arenaCapacity),
				blockSize:         blockSize,
				collectorCapacity: collectorCapacity,
				collectorDelay:    collectorDelay,
				collectorTick:     collectorTick,
				releaseMode:       releaseMode,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")
	flags.Int64Var(&arenaCapacity, "arena-capacity", 256<<20, "off-heap arena capacity in bytes")
	flags.IntVar(&blockSize, "block-size", 256, "bit-block size in bytes; power of two, multiple of 8, >= 64")
	flags.IntVar(&collectorCapacity, "collector-capacity", 1024, "bounded FIFO capacity for pending segment frees")
	flags.DurationVar(&collectorDelay, "collector-delay", 10*time.Minute, "minimum age before a queued segment is freed")
	flags.DurationVar(&collectorTick, "collector-tick", 30*time.Second, "how often the collector scheduler checks for due segments")
	flags.BoolVar(&releaseMode, "release", false, "run gin in release mode")

	return cmd
}

type runConfig struct {
	listenAddr        string
	arenaCapacity     int
	blockSize         int
	collectorCapacity int
	collectorDelay    time.Duration
	collectorTick     time.Duration
	releaseMode       bool
}

func run(cfg runConfig) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	a, err := arena.NewArena(cfg.arenaCapacity, cfg.blockSize)
	if err != nil {
		return fmt.Errorf("tsseg: open arena: %w", err)
	}
	defer a.Close()

	registry := prometheus.NewRegistry()
	sink := metrics.NewSink(registry, "tsseg")

	factory := gorilla.NewFactory(a, sink, nil)
	queue := collector.NewQueue(factory, sink, cfg.collectorCapacity, cfg.collectorDelay)
	factory.AttachQueue(queue)

	sched, err := collector.NewScheduler(queue, cfg.collectorTick, log)
	if err != nil {
		return fmt.Errorf("tsseg: start collector scheduler: %w", err)
	}
	defer sched.Stop()

	if cfg.releaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	server := api.NewServer(a, factory, queue, log)
	router := server.Router()
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	log.Info().
		Str("listen", cfg.listenAddr).
		Int("blockSize", cfg.blockSize).
		Int("arenaCapacity", cfg.arenaCapacity).
		Msg("tsseg starting")

	return http.ListenAndServe(cfg.listenAddr, router)
}

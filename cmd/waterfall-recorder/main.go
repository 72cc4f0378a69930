// Command waterfall-recorder consumes a stream of complex I/Q samples
// (from a WAVE file or a live multicast RTP audio source) and writes
// fixed-duration FITS spectrogram tiles with WCS time/frequency axes.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwsl/waterfall-recorder/internal/control"
	"github.com/cwsl/waterfall-recorder/internal/fitsout"
	"github.com/cwsl/waterfall-recorder/internal/iqcorrector"
	"github.com/cwsl/waterfall-recorder/internal/metrics"
	"github.com/cwsl/waterfall-recorder/internal/rtpaudio"
	"github.com/cwsl/waterfall-recorder/internal/telemetry"
	"github.com/cwsl/waterfall-recorder/internal/waterfall"
	"github.com/cwsl/waterfall-recorder/internal/wavein"
)

var debugMode bool

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.BoolVar(&debugMode, "debug", false, "enable verbose logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Printf("startup: %v", err)
		return 1
	}

	inputPath := flag.Arg(0) // present => WAVE file; absent => live audio
	if debugMode {
		log.Printf("startup: config=%+v input=%q", cfg, inputPath)
	}

	corrector := iqcorrector.New(cfg.IQGain, cfg.IQPhaseShift)

	tracker := control.NewTracker()
	promReg := prometheus.DefaultRegisterer
	collector := metrics.New(promReg)

	var tel *telemetry.Publisher
	if cfg.MQTTBrokerURL != "" {
		tel, err = telemetry.New(telemetry.Config{
			BrokerURL:   cfg.MQTTBrokerURL,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Origin:      cfg.LocationName,
		})
		if err != nil {
			log.Printf("startup: mqtt telemetry: %v", err)
			return 1
		}
		defer tel.Close()
	}

	observer := newFanoutObserver(collector, tracker, tel)

	core := waterfall.NewCore(waterfall.Config{
		Origin:    cfg.LocationName,
		Bins:      cfg.FFTBins,
		Overlap:   cfg.FFTOverlap,
		Corrector: corrector,
		Observer:  observer,
	})

	writer := fitsout.New(cfg.OutputDir)
	writer.OnWrite = tracker.RecordSnapshot
	writer.RawDumpDir = cfg.DebugRowDumpDir
	recorder := waterfall.NewSnapshotRecorder(waterfall.SnapshotRecorderConfig{
		SnapshotLength: cfg.SnapshotLen,
		LeftFreq:       cfg.LeftFreq,
		RightFreq:      cfg.RightFreq,
		Writer:         writer,
	})
	core.AddRecorder(recorder)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	if cfg.MCPAddr != "" {
		mcpServer := control.NewServer(tracker, int32(os.Getpid()))
		go func() {
			if err := mcpServer.ListenAndServe(cfg.MCPAddr); err != nil {
				log.Printf("mcp server: %v", err)
			}
		}()
	}

	// Cooperative cancellation token (spec.md §9): an atomic flag the
	// frontend polls between batches, set by the process-level
	// interrupt handler instead of a signal-handler callback stack.
	var stopRequested int32
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigCh
		log.Printf("received interrupt, stopping")
		atomic.StoreInt32(&stopRequested, 1)
		cancel()
	}()

	if inputPath != "" {
		err = wavein.Run(inputPath, core, wavein.Options{
			StopRequested: func() bool { return atomic.LoadInt32(&stopRequested) != 0 },
		})
	} else {
		err = rtpaudio.Run(ctx, rtpaudio.Config{
			GroupAddr: cfg.RTPGroupAddr,
			Iface:     cfg.RTPIface,
		}, core)
	}

	if err != nil {
		log.Printf("stream error: %v", err)
		return 1
	}
	return 0
}

// fanoutObserver dispatches each Observer event to every non-nil
// delegate, so metrics/telemetry/status-tracking can all watch the
// same pipeline without the core knowing about any of them by name.
type fanoutObserver struct {
	delegates []waterfall.Observer
}

func newFanoutObserver(delegates ...waterfall.Observer) waterfall.Observer {
	f := &fanoutObserver{}
	for _, d := range delegates {
		if d != nil && !isNilObserver(d) {
			f.delegates = append(f.delegates, d)
		}
	}
	return f
}

// isNilObserver guards against a typed-nil *telemetry.Publisher (or
// similar) being passed through an untyped nil check.
func isNilObserver(o waterfall.Observer) bool {
	if p, ok := o.(*telemetry.Publisher); ok {
		return p == nil
	}
	return false
}

func (f *fanoutObserver) RowPushed() {
	for _, d := range f.delegates {
		d.RowPushed()
	}
}

func (f *fanoutObserver) SnapshotReserved() {
	for _, d := range f.delegates {
		d.SnapshotReserved()
	}
}

func (f *fanoutObserver) SnapshotOverrun() {
	for _, d := range f.delegates {
		d.SnapshotOverrun()
	}
}

func (f *fanoutObserver) TileWritten() {
	for _, d := range f.delegates {
		d.TileWritten()
	}
}

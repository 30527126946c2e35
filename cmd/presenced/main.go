// presenced is the camera-side attendance service: it pulls RTSP (or
// WebRTC-injected) video, finds and recognizes faces against the backend
// gallery, and writes attendance marks to the backend and the ERP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/facegate/presence/internal/api"
	"github.com/facegate/presence/internal/clients"
	"github.com/facegate/presence/internal/config"
	"github.com/facegate/presence/internal/face"
	"github.com/facegate/presence/internal/face/arbiter"
	"github.com/facegate/presence/internal/face/attend"
	"github.com/facegate/presence/internal/face/capture"
	"github.com/facegate/presence/internal/face/gallery"
	"github.com/facegate/presence/internal/face/infer"
	"github.com/facegate/presence/internal/face/pipeline"
	"github.com/facegate/presence/internal/face/spoof"
	"github.com/facegate/presence/internal/monitoring"
	"github.com/facegate/presence/internal/spool"
	"github.com/facegate/presence/internal/version"
)

const shutdownTimeout = 5 * time.Second

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "presenced",
		Short:         "Face recognition attendance service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default presence.yaml)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the camera pipelines and the HTTP API",
		RunE:  runServe,
	}
	root.AddCommand(serve)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("presenced %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "presenced:", err)
		os.Exit(1)
	}
}

func loadTuning(cfg *config.AppConfig) (*config.TuningConfig, error) {
	tuning := config.EmptyTuningConfig()
	if cfg.TuningPath != "" {
		loaded, err := config.LoadTuningConfig(cfg.TuningPath)
		if err != nil {
			return nil, fmt.Errorf("tuning config: %w", err)
		}
		tuning = loaded
	}
	// Environment overrides win over the file, matching the historical
	// deployment knobs (SIMILARITY_THRESHOLD, BURST_SECONDS, ...).
	tuning.Merge(config.TuningFromEnv(nil))
	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("tuning config: %w", err)
	}
	return tuning, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAppConfig(cfgFile)
	if err != nil {
		return err
	}
	tuning, err := loadTuning(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var det face.Detector
	var emb face.Embedder
	if cfg.InferBaseURL != "" {
		c := infer.NewClient(nil, cfg.InferBaseURL)
		det, emb = c, c
		monitoring.Logf("[Main] inference sidecar at %s", cfg.InferBaseURL)
	} else {
		det, emb = infer.Null{}, infer.Null{}
		monitoring.Logf("[Main] INFER_BASE_URL unset; running without face models")
	}

	arb := arbiter.New(det, tuning.GetGPUQueueSize())
	defer arb.Stop()

	backend := clients.NewBackend(nil, cfg.BackendBaseURL, cfg.BackendAPIPrefix)
	galleries := gallery.NewStore(backend, tuning.GetGalleryRefresh(), nil)
	voice := attend.NewVoiceLog(cfg.VoiceMaxEvents, nil, nil)

	var relay *attend.Relay
	if cfg.RelayOnURL != "" {
		relay = attend.NewRelay(cfg.RelayOnURL, cfg.RelayMinInterval(), nil, nil)
	}

	var erpq *attend.ERPPushQueue
	if cfg.ERPBaseURL != "" {
		erp := clients.NewERP(nil, cfg.ERPBaseURL)
		erp.SetAPIKey(cfg.ERPAPIKey)
		erpq = attend.NewERPPushQueue(erp.PushFunc(), func(err error, job attend.ERPJob) {
			monitoring.Logf("[ERP] giving up on emp=%s date=%s: %v", job.EmpID, job.AttendanceDate, err)
		}, 0)
		defer erpq.Stop()
	} else {
		monitoring.Logf("[Main] ERP_BASE_URL unset; ERP push disabled")
	}

	write := pipeline.NewWriteFanout(backend, pipeline.Sinks{ERP: erpq, Relay: relay, Voice: voice})

	var journal attend.Journal
	if cfg.SpoolPath != "" {
		sp, err := spool.Open(cfg.SpoolPath)
		if err != nil {
			return fmt.Errorf("spool: %w", err)
		}
		defer sp.Close()
		sp.StartRetry(ctx, 30*time.Second, write)
		journal = sp
		monitoring.Logf("[Main] spooling failed writes to %s", cfg.SpoolPath)
	}

	writer := attend.NewDBWriter(write, journal)
	defer writer.Stop()

	var scorer spoof.Scorer
	if cfg.Spoof.UseHeuristics {
		scorer = &spoof.HeuristicScorer{}
	}

	deps := pipeline.Deps{
		Tuning:    tuning,
		Arbiter:   arb,
		Galleries: galleries,
		Embedder:  emb,
		Spoof:     spoof.NewGate(cfg.Spoof, scorer, nil),
		Writer:    writer,
		Proc:      monitoring.NewProcSampler(2 * time.Second),
		HLSRoot:   cfg.HLSDir,
	}
	manager := pipeline.NewManager(deps, capture.Config{
		MaxFails:      cfg.FrameMaxFails,
		Stale:         cfg.FrameStale(),
		ReopenBackoff: cfg.FrameReopenBackoff(),
	}, cfg.AttendanceEnabled)
	defer manager.StopAll()

	for _, cam := range cfg.Cameras {
		if _, err := manager.Start(ctx, cam, capture.FFmpegFactory(cam.URL, 640, 480)); err != nil {
			monitoring.Logf("[Main] camera %s failed to start: %v", cam.ID, err)
		}
	}

	server := api.NewServer(cfg, manager, voice, nil)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.ServeMux(),
	}

	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("[Main] listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	monitoring.Logf("[Main] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

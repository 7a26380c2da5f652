package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/jnesss/exitnotify/binary"
	"github.com/jnesss/exitnotify/capture"
	"github.com/jnesss/exitnotify/config"
	"github.com/jnesss/exitnotify/database"
	"github.com/jnesss/exitnotify/notify"
	"github.com/jnesss/exitnotify/platform"
	"github.com/jnesss/exitnotify/sigma"
	"github.com/jnesss/exitnotify/web"
)

func main() {
	cfg, replayPath, err := parseConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	log.SetLevel(level)

	if replayPath != "" {
		count, err := replay(replayPath, os.Stdout)
		if err != nil {
			log.Fatalf("Replay of %s failed after %d records: %v", replayPath, count, err)
		}
		log.Printf("Replayed %d records from %s", count, replayPath)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("%v", err)
	}
}

// parseConfig loads the config file named by --config and applies the
// remaining flags over it.
func parseConfig(args []string) (*config.Config, string, error) {
	var configPath string
	pre := pflag.NewFlagSet("exitnotify", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	pre.StringVar(&configPath, "config", "", "")
	_ = pre.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}

	var replayPath string
	fs := pflag.NewFlagSet("exitnotify", pflag.ContinueOnError)
	fs.StringVar(&configPath, "config", configPath, "YAML configuration file")
	fs.StringVar(&replayPath, "replay", "", "decode a capture file and exit")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, replayPath, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	notifier := notify.New(
		notify.WithBufferSize(cfg.Capture.BufferSize),
		notify.WithWatermark(cfg.Capture.Watermark),
		notify.WithCacheSize(cfg.Capture.CookieMax),
	)
	if cfg.Debug {
		notifier.SetDebug(true)
	}
	if cfg.Capture.Autostart {
		if err := notifier.Start(); err != nil {
			return err
		}
	}

	source, err := platform.NewProcSource(cfg.Monitor.ProcRoot, cfg.Monitor.PathTableSize)
	if err != nil {
		return fmt.Errorf("failed to open procfs: %w", err)
	}
	monitor, err := platform.NewMonitor(platform.MonitorConfig{
		Source:          source,
		Observer:        notifier,
		Mode:            cfg.Monitor.Mode,
		RefreshInterval: cfg.Monitor.RefreshInterval,
		ThreadExits:     cfg.Monitor.ThreadExits,
	})
	if err != nil {
		return err
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start exit monitor: %w", err)
	}

	var (
		db       *database.DB
		detector *sigma.Detector
		archive  *binary.Archive
		writer   *capture.Writer
		drain    = func() {}
		wg       sync.WaitGroup
	)

	if cfg.Consume {
		db, err = database.NewDB(cfg.DataDir)
		if err != nil {
			monitor.Stop()
			return fmt.Errorf("failed to initialize database: %w", err)
		}

		detector, err = sigma.NewDetector(cfg.RulesDir)
		if err != nil {
			log.Printf("Warning: Sigma detection disabled: %v", err)
			detector = nil
		}

		if cfg.Archive.Enabled {
			archive, err = binary.NewArchive(cfg.Archive.CacheSize, cfg.ArchiveDir())
			if err != nil {
				log.Printf("Warning: module archive disabled: %v", err)
				archive = nil
			}
		}

		if cfg.CaptureFile != "" {
			writer, err = capture.Create(cfg.CaptureFile)
			if err != nil {
				log.Printf("Warning: raw capture disabled: %v", err)
				writer = nil
			}
		}

		consumer := NewConsumer(notifier, cfg.Capture.ReadChunk)
		consumer.db = db
		consumer.detector = detector
		consumer.archive = archive
		consumer.capture = writer

		// the consumer outlives ctx so it can drain the buffer on shutdown
		consumerCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		drain = consumer.Drain

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(consumerCtx); err != nil {
				log.Printf("Event consumer stopped: %v", err)
			}
			log.Printf("Consumed %d exit records", consumer.records)
		}()
	} else if cfg.CaptureFile != "" {
		log.Printf("Warning: capture_file is only written by the in-process consumer")
	}

	if cfg.Listen != "" {
		server := web.NewServer(web.ServerConfig{
			Notifier:    notifier,
			DB:          db,
			Detector:    detector,
			Archive:     archive,
			Registry:    notify.NewRegistry(notifier),
			ReaderOwned: cfg.Consume,
			ListenAddr:  cfg.Listen,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				log.Printf("Web server error: %v", err)
			}
		}()
	}

	log.Printf("Process exit monitoring started (mode %s)... Press Ctrl+C to stop", monitor.Mode())
	<-ctx.Done()
	log.Printf("Shutting down...")

	var result *multierror.Error
	if err := monitor.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("monitor: %w", err))
	}
	drain()
	notifier.Stop()
	wg.Wait()
	notifier.Shutdown()

	if detector != nil {
		if err := detector.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("sigma: %w", err))
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("capture: %w", err))
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("database: %w", err))
		}
		if os.Getenv("SUDO_USER") != "" {
			if err := chownToOriginalUser(cfg.DataDir); err != nil {
				log.Printf("Warning: could not hand %s back to the invoking user: %v", cfg.DataDir, err)
			}
		}
	}
	return result.ErrorOrNil()
}

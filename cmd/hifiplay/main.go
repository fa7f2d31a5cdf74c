package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hifiplay/hifiplay/internal/audio"
	"github.com/hifiplay/hifiplay/internal/cache"
	"github.com/hifiplay/hifiplay/internal/config"
	"github.com/hifiplay/hifiplay/internal/engine"
	"github.com/hifiplay/hifiplay/internal/fetch"
	"github.com/hifiplay/hifiplay/internal/finalize"
	"github.com/hifiplay/hifiplay/internal/library"
	"github.com/hifiplay/hifiplay/internal/resolver"
	"github.com/hifiplay/hifiplay/internal/session"
)

var (
	versionFlag = flag.Bool("version", false, "Show version information")
	debugFlag   = flag.Bool("debug", false, "Enable debug logging")
	playFlag    = flag.String("play", "", "Track ID to stream")
	volumeFlag  = flag.Int("volume", -1, "Playback volume 0-100 (overrides config)")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s v%s - %s\n\n", config.AppName, config.AppVersion, config.AppDescription)
		fmt.Fprintf(os.Stderr, "Usage: %s -play <track-id> [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()

		configPath, err := config.GetConfigPath()
		if err == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Fprintf(os.Stderr, "\nConfig file: %s\n", configPath)
			} else {
				fmt.Fprintf(os.Stderr, "\nConfig file will be created on first use.\n")
			}
		}
	}
}

func setupLogging() {
	if !*debugFlag {
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
		return
	}

	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	cacheDir, err := cache.GetCacheDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not get cache dir: %v\n", err)
		cacheDir = os.TempDir()
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log dir: %v\n", err)
	}
	logPath := filepath.Join(cacheDir, "debug.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log file: %v\n", err)
		logFile = os.Stderr
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: logFile, TimeFormat: "15:04:05"})
	fmt.Printf("Debug log: %s\n", logPath)
	log.Info().Msgf("Starting %s v%s (debug mode)", config.AppName, config.AppVersion)
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", config.AppName, config.AppVersion)
		fmt.Println(config.AppDescription)
		os.Exit(0)
	}

	if *playFlag == "" {
		flag.Usage()
		os.Exit(2)
	}

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Falling back to default config")
	}
	if len(cfg.Resolvers) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no resolver endpoints configured")
		os.Exit(1)
	}

	volume := cfg.Volume
	if *volumeFlag >= 0 {
		volume = config.ClampVolume(*volumeFlag)
	}

	musicDir := cfg.MusicDir
	if musicDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not determine music directory: %v\n", err)
			os.Exit(1)
		}
		musicDir = filepath.Join(home, "Music", config.AppName)
	}

	trackCache, err := cache.NewCache(cfg.CacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := trackCache.CleanExpired(); err != nil {
		log.Warn().Err(err).Msg("Cache cleanup failed")
	}

	ffmpeg := fetch.NewFFmpeg()
	fetcher := fetch.New(ffmpeg, cfg.Streaming.FetchRetries)
	store := library.NewStore(musicDir)
	finalizer := finalize.New(ffmpeg, store)
	trackResolver := resolver.New(cfg.Resolvers)

	sessCfg := session.Config{
		ChunkDuration:     cfg.Streaming.ChunkDurationSeconds,
		Workers:           cfg.Streaming.DownloadWorkers,
		SeekWait:          time.Duration(cfg.Streaming.SeekWaitSeconds) * time.Second,
		MonitorInterval:   time.Duration(cfg.Streaming.MonitorIntervalMs) * time.Millisecond,
		AppendRetryWindow: time.Duration(cfg.Streaming.AppendRetryWindowMs) * time.Millisecond,
	}

	eng := engine.New(trackResolver, fetcher, finalizer.Finalize, store, trackCache, sessCfg, func() engine.Buffer {
		sink := audio.NewSpeakerSink()
		sink.SetVolume(volume)
		return audio.NewBuffer(sink)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal, cleaning up...")
		cancel()
		eng.Stop()
	}()

	if err := run(ctx, eng, *playFlag); err != nil {
		eng.Stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	eng.Stop()
}

// run streams one track to completion: playback starts as soon as the
// first chunk is down, the rest downloads in the background, and the
// finished track lands in the music library.
func run(ctx context.Context, eng *engine.Engine, trackID string) error {
	res, err := eng.StartStream(ctx, trackID)
	if err != nil {
		return err
	}

	if res.CachedPath != "" {
		fmt.Printf("Playing from library: %s\n", res.CachedPath)
	} else {
		fmt.Printf("Streaming %s (%d chunks, %s)\n", trackID, res.TotalChunks, res.Format)

		final, err := eng.Finalize(ctx, trackID)
		if err != nil {
			// Playback keeps going from the buffer even when the track
			// could not be saved
			log.Warn().Err(err).Msg("Track could not be saved to the library")
		} else {
			fmt.Printf("Saved to %s\n", final)
		}
	}

	// Let playback drain
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		st := eng.PlaybackState()
		if st.TrackFinished || !st.IsPlaying {
			return nil
		}
	}
}

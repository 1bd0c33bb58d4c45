package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"

	"github.com/UprootLabs/gngrPreHistoric-sub000/internal/netload"
)

var (
	configPathFlag     string
	dumpFlag           bool
	reloadFlag         bool
	verbosityTraceFlag bool
)

func init() {
	flag.StringVar(&configPathFlag, "config", os.Getenv("NETLOAD_CONFIG"), "Path to config file (defaults to $NETLOAD_CONFIG)")
	flag.BoolVar(&dumpFlag, "dump", false, "Write fetched bodies to stdout")
	flag.BoolVar(&reloadFlag, "reload", false, "Revalidate cached entries as a soft reload would")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
}

func main() {
	flag.Parse()

	cfg := netload.DefaultConfig()
	if configPathFlag != "" {
		var err error
		if cfg, err = netload.LoadConfig(configPathFlag); err != nil {
			log.Fatal().Err(err).Str("path", configPathFlag).Msg("Could not load config")
		}
	}

	logLevel, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || cfg.Logging.Level == "" {
		logLevel = zerolog.InfoLevel
	}
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	log.Logger = log.Level(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stderr})

	svc, err := netload.NewService(cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not start service")
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flag.NArg() == 0 {
		if len(cfg.Prefetch.Sitemaps) == 0 {
			log.Warn().Msg("Nothing to do: pass URLs or configure prefetch.sitemaps")
			return
		}
		<-ctx.Done()
		return
	}

	failed := false
	for _, raw := range flag.Args() {
		req, err := netload.NewRequest(raw)
		if err != nil {
			log.Error().Err(err).Msg("Skipping argument")
			failed = true
			continue
		}
		if reloadFlag {
			req.Class = netload.ClassSoftReload
		}
		res, err := svc.Fetch(ctx, req)
		if err != nil {
			log.Error().Stack().Err(err).Str("url", raw).Msg("Fetch failed")
			failed = true
			continue
		}
		log.Info().
			Str("url", res.URL.String()).
			Int("status", res.StatusCode).
			Int("bytes", len(res.Body)).
			Str("charset", res.Charset).
			Bool("cache", res.FromCache).
			Bool("revalidated", res.Revalidated).
			Msg("Fetched")
		if dumpFlag {
			os.Stdout.Write(res.Body)
		}
	}
	if failed {
		svc.Close()
		os.Exit(1)
	}
}

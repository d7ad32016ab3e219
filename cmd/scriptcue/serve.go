package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/scriptcue/internal/config"
	"github.com/MrWong99/scriptcue/internal/observe"
	"github.com/MrWong99/scriptcue/internal/server"
	"github.com/MrWong99/scriptcue/internal/session"
)

type serveOptions struct {
	listen    string
	script    string
	source    string
	autoStart bool
}

func newServeCommand(configPath *string) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the teleprompter server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := opts.apply(cmd, cfg); err != nil {
				return err
			}
			return runServe(ctx, cfg, *configPath, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "override server.listen_addr")
	cmd.Flags().StringVar(&opts.script, "script", "", "override script.path")
	cmd.Flags().StringVar(&opts.source, "source", "", "override speech.source (browser, deepgram)")
	cmd.Flags().BoolVar(&opts.autoStart, "start", false, "start listening immediately")
	return cmd
}

func (o serveOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	if o.listen != "" {
		cfg.Server.ListenAddr = o.listen
	}
	if o.script != "" {
		cfg.Script.Path = o.script
	}
	if o.source != "" {
		cfg.Speech.Source = o.source
	}
	if cmd.Flags().Changed("start") {
		cfg.Recognizer.AutoStart = o.autoStart
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runServe(ctx context.Context, cfg *config.Config, configPath string, stdout, stderr io.Writer) error {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Server.LogLevel))
	log := newLogger(stderr, level)
	slog.SetDefault(log)

	log.Info("scriptcue starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"source", cfg.Speech.Source,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	prov, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := prov.Shutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// ── Speech source and session ─────────────────────────────────────────────
	hub := server.NewHub(metrics, log)
	reg := config.NewRegistry()
	registerBuiltinSources(reg, hub, log)
	src, err := reg.CreateSource(cfg.Speech)
	if err != nil {
		return err
	}

	sess, err := session.New(session.Config{
		Source:       src,
		Matcher:      cfg.Matcher.Options(),
		Step:         cfg.Cursor.Step,
		BaseDelay:    cfg.Recognizer.BaseDelay,
		MaxDelay:     cfg.Recognizer.MaxDelay,
		MaxRestarts:  cfg.Recognizer.MaxRestarts,
		HealthyAfter: cfg.Recognizer.HealthyAfter,
		OnRecordingStop: func() {
			log.Warn("recording stopped: the microphone is unavailable")
			if err := src.RequestStop(); err != nil {
				log.Warn("stop speech source", "err", err)
			}
		},
		Context: ctx,
		Metrics: metrics,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	defer sess.Close()
	if b, ok := src.(binder); ok {
		b.Bind(sess)
	}

	// Edits to the script file reach clients once the watcher runs.
	var scripts *config.ScriptWatcher
	if cfg.Script.Path != "" {
		var text string
		scripts, text, err = config.NewScriptWatcher(cfg.Script.Path, sess.SetScript)
		if err != nil {
			return err
		}
		sess.SetScript(text)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srvCfg := server.Config{
		Addr:            cfg.Server.ListenAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Session:         sess,
		Hub:             hub,
		MetricsPath:     cfg.Telemetry.MetricsPath,
		MetricsHandler:  prov.MetricsHandler,
		Metrics:         metrics,
		Logger:          log,
	}
	if bridge, ok := src.(*server.Bridge); ok {
		srvCfg.Bridge = bridge
	}
	if tls := cfg.Server.TLS; tls != nil {
		srvCfg.CertFile, srvCfg.KeyFile = tls.CertFile, tls.KeyFile
	}
	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	printStartupSummary(stdout, cfg, sess)

	if cfg.Recognizer.AutoStart {
		if err := sess.Start(); err != nil {
			log.Warn("auto-start failed", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if configPath != "" {
		w, err := config.NewWatcher(configPath, reloader(sess, level, log))
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}
	if scripts != nil {
		g.Go(func() error { return scripts.Run(gctx) })
	}
	err = g.Wait()
	log.Info("goodbye")
	return err
}

// reloader applies the hot-reloadable parts of a changed config file.
func reloader(sess *session.Session, level *slog.LevelVar, log *slog.Logger) config.ChangeFunc {
	return func(_, next *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(parseLevel(d.NewLogLevel))
			log.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.MatcherChanged {
			if err := sess.Reconfigure(next.Matcher.Options()); err != nil {
				log.Error("matcher reload rejected", "err", err)
			}
		}
		if d.CursorStepChanged {
			sess.SetStep(next.Cursor.Step)
			log.Info("cursor step changed", "step", next.Cursor.Step)
		}
		if len(d.RestartRequired) > 0 {
			log.Warn("config changes take effect after restart", "sections", d.RestartRequired)
		}
	}
}

func printStartupSummary(w io.Writer, cfg *config.Config, sess *session.Session) {
	script := "(none)"
	if cfg.Script.Path != "" {
		script = cfg.Script.Path + " (" + strconv.Itoa(sess.Position().Length) + " runes)"
	}
	tls := "off"
	if cfg.Server.TLS != nil {
		tls = "on"
	}
	metricsPath := cfg.Telemetry.MetricsPath
	if metricsPath == "" {
		metricsPath = "(disabled)"
	}
	rows := [][]string{
		{"Listen addr", cfg.Server.ListenAddr},
		{"TLS", tls},
		{"Speech source", cfg.Speech.Source},
		{"Language", cfg.Speech.Language},
		{"Matcher", string(cfg.Matcher.Options().Mode) + " / phonetic " + cfg.Matcher.PhoneticMode},
		{"Script", script},
		{"Auto-start", strconv.FormatBool(cfg.Recognizer.AutoStart)},
		{"Metrics", metricsPath},
	}
	fmt.Fprintln(w, renderTable([]string{"scriptcue", version}, rows, nil))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/KevoDB/persist/pkg/common/log"
	"github.com/KevoDB/persist/pkg/config"
	"github.com/KevoDB/persist/pkg/persist"
	"github.com/KevoDB/persist/pkg/telemetry"
	"github.com/KevoDB/persist/pkg/volume"
)

const version = "0.3.0"

var errFileRequired = errors.New("--file is required")

// app carries the settings shared by every subcommand. Flags, PERSIST_*
// environment variables and the JSON config file are layered through v.
type app struct {
	v *viper.Viper
}

func newApp() *app {
	v := viper.New()
	v.SetEnvPrefix("persist")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return &app{v: v}
}

func newRootCommand() *cobra.Command {
	a := newApp()

	root := &cobra.Command{
		Use:   "persist",
		Short: "Transactional entry persistence over a block volume",
		Long: `persist stores variable-length entries in the typed sectors of a block
volume. Changes are grouped into transactions and journaled, so a crash at any
point leaves either all or none of a transaction on the volume.

The volume is a regular file holding 520-byte blocks. Run "persist format" to
create one, then open it with "persist shell" or serve it with "persist serve".`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.v.BindPFlags(cmd.Flags())
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "JSON config file (or a directory holding "+config.DefaultConfigFileName+")")
	flags.String("file", "", "file backing the LUN")
	flags.Uint32("lun", volume.SystemLUNID, "LUN object ID the file is attached under")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("sync-mode", "", "device flushing: none or commit")
	flags.Int("queue-depth", 0, "dispatcher queue depth")

	root.AddCommand(
		a.formatCommand(),
		a.layoutCommand(),
		a.shellCommand(),
		a.serveCommand(),
		a.exportCommand(),
		a.importCommand(),
		a.benchCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file if one is named and overlays the flag
// and environment settings on top of it.
func (a *app) loadConfig() (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if path := a.v.GetString("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
		cfg = loaded
	}

	var overlayErr error
	cfg.Update(func(c *config.Config) {
		if a.v.IsSet("log-level") && a.v.GetString("log-level") != "" {
			c.LogLevel = a.v.GetString("log-level")
		}
		if a.v.IsSet("queue-depth") && a.v.GetInt("queue-depth") != 0 {
			c.QueueDepth = a.v.GetInt("queue-depth")
		}
		if a.v.IsSet("sync-mode") && a.v.GetString("sync-mode") != "" {
			mode, err := config.ParseSyncMode(a.v.GetString("sync-mode"))
			if err != nil {
				overlayErr = err
				return
			}
			c.SyncMode = mode
		}
		c.Telemetry.LoadFromEnv()
	})
	if overlayErr != nil {
		return nil, overlayErr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session is a persistence service bound to the file LUN.
type session struct {
	cfg      *config.Config
	lun      uint32
	path     string
	volumes  *volume.Manager
	svc      *persist.Service
	provider *telemetry.Provider
	logger   log.Logger
}

// openSession attaches the --file LUN and binds a service to it. A missing
// file is created at the required size; binding formats a blank volume.
func (a *app) openSession(ctx context.Context, logOut io.Writer) (*session, error) {
	path := a.v.GetString("file")
	if path == "" {
		return nil, errFileRequired
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}

	log.SetDefaultLogger(log.NewStandardLogger(log.WithLevel(cfg.Level()), log.WithOutput(logOut)))

	s := &session{
		cfg:     cfg,
		lun:     a.v.GetUint32("lun"),
		path:    path,
		volumes: volume.NewManager(),
		logger:  log.Component("cli"),
	}

	var tcfg telemetry.Config
	cfg.View(func(c *config.Config) { tcfg = c.Telemetry })
	opts := persist.Options{}
	if tcfg.Enabled {
		p, err := telemetry.NewProvider(ctx, tcfg)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to start telemetry: %w", err)
		}
		s.provider = p
		opts.Telemetry = p
	}

	svc, err := persist.New(cfg, s.volumes, opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.svc = svc

	if _, err := s.volumes.CreateFile(s.lun, path, svc.RequiredLUNSize()); err != nil {
		s.Close()
		return nil, err
	}
	if err := svc.Bind(ctx, s.lun); err != nil {
		s.Close()
		return nil, err
	}
	s.logger.Debug("opened %s as lun 0x%x", path, s.lun)
	return s, nil
}

// Close releases the service, the LUN file and telemetry.
func (s *session) Close() error {
	var firstErr error
	if s.svc != nil {
		if err := s.svc.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.volumes.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.provider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

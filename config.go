package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind          string
	gameGrace     time.Duration
	identityGrace time.Duration
	lobbyGrace    time.Duration
	port          int
	prefix        string
	profile       bool
	tlsCert       string
	tlsKey        string
	turnTimeout   time.Duration
	verbose       bool
	version       bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.turnTimeout <= 0 {
		return fmt.Errorf("invalid turn timeout (must be positive): %s", c.turnTimeout)
	}
	if c.lobbyGrace <= 0 || c.gameGrace <= 0 || c.identityGrace <= 0 {
		return errors.New("grace periods must be positive")
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("ARITHMOS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "arithmos",
		Short:         "A multiplayer dice-arithmetic game server, played over websockets.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: ARITHMOS_BIND)")
	fs.DurationVar(&cfg.gameGrace, "game-grace", 5*time.Minute, "time before a finished or abandoned game is deleted (env: ARITHMOS_GAME_GRACE)")
	fs.DurationVar(&cfg.identityGrace, "identity-grace", 5*time.Minute, "time a disconnected identity is kept for reconnection (env: ARITHMOS_IDENTITY_GRACE)")
	fs.DurationVar(&cfg.lobbyGrace, "lobby-grace", 5*time.Minute, "time before an emptied lobby is deleted (env: ARITHMOS_LOBBY_GRACE)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: ARITHMOS_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: ARITHMOS_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: ARITHMOS_PROFILE)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: ARITHMOS_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: ARITHMOS_TLS_KEY)")
	fs.DurationVar(&cfg.turnTimeout, "turn-timeout", 15*time.Second, "time a player has to submit a number each turn (env: ARITHMOS_TURN_TIMEOUT)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: ARITHMOS_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: ARITHMOS_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("arithmos v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

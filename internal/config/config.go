// Package config builds the socks5d command line and resolves it into a
// Config. Flags are declared with cobra/pflag and bound through viper so
// that SOCKS5D_-prefixed environment variables can backfill any flag the
// operator doesn't pass explicitly, the wiring style nabbar-golib uses
// throughout its cobra-based tooling.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vantage-io/socks5d/internal/logging"
	"github.com/vantage-io/socks5d/internal/userstore"
)

// AuthMode selects whether the greeting's method negotiation offers
// username/password auth at all.
type AuthMode string

const (
	AuthNone     AuthMode = "none"
	AuthPassword AuthMode = "password"
)

// Config is the fully resolved set of knobs socks5d needs to start serving.
type Config struct {
	ListenAddr     string
	ListenPort     int
	MgmtListenAddr string
	MgmtPort       int

	Auth           AuthMode
	PreferPassword bool

	SeedAdminUser string
	SeedAdminPass string

	IdleTimeout time.Duration

	LogLevel  logging.LogLevel
	LogFormat string
}

// Addr returns the SOCKS5 listener's host:port, bracketing an IPv6 host so
// net.SplitHostPort can parse it back out.
func (c Config) Addr() string {
	return net.JoinHostPort(c.ListenAddr, strconv.Itoa(c.ListenPort))
}

// MgmtAddr returns the management listener's host:port, bracketing an IPv6
// host the same way Addr does.
func (c Config) MgmtAddr() string {
	return net.JoinHostPort(c.MgmtListenAddr, strconv.Itoa(c.MgmtPort))
}

// NewRootCommand builds the cobra command for socks5d. run is invoked with
// the resolved Config once flags and environment variables are parsed; it
// is the caller's responsibility to start the listeners.
func NewRootCommand(run func(cfg Config) error) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SOCKS5D")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	cmd := &cobra.Command{
		Use:           "socks5d",
		Short:         "A SOCKS5 proxy server with an out-of-band management protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolve(v)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringP("listen", "l", "0.0.0.0", "address the SOCKS5 listener binds to")
	flags.IntP("port", "p", 1080, "port the SOCKS5 listener binds to")
	flags.String("mgmt-listen", "127.0.0.1", "address the management listener binds to")
	flags.Int("mgmt-port", 8080, "port the management listener binds to")
	flags.String("auth", string(AuthNone), "authentication method offered during SOCKS5 negotiation: none|password")
	flags.Bool("prefer-password", false, "when both no-auth and password methods are acceptable to the client, select password")
	flags.String("seed-admin-user", "", "username for the initial admin account seeded at startup")
	flags.String("seed-admin-pass", "", "password for the initial admin account seeded at startup")
	flags.Duration("idle-timeout", 60*time.Second, "idle duration after which a relaying connection is closed")
	flags.String("log-level", "info", "minimum log level: debug|info|warn|error")
	flags.String("log-format", "text", "log output format: text|json; stored in the config, the logger always writes text")

	for _, name := range []string{
		"listen", "port", "mgmt-listen", "mgmt-port", "auth", "prefer-password",
		"seed-admin-user", "seed-admin-pass", "idle-timeout", "log-level", "log-format",
	} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("config: bind flag %q: %v", name, err))
		}
	}

	return cmd
}

func resolve(v *viper.Viper) (Config, error) {
	level, err := parseLogLevel(v.GetString("log-level"))
	if err != nil {
		return Config{}, err
	}

	auth := AuthMode(v.GetString("auth"))
	if auth != AuthNone && auth != AuthPassword {
		return Config{}, fmt.Errorf("config: invalid --auth %q, want none|password", auth)
	}

	seedUser := v.GetString("seed-admin-user")
	seedPass := v.GetString("seed-admin-pass")
	if (seedUser == "") != (seedPass == "") {
		return Config{}, fmt.Errorf("config: --seed-admin-user and --seed-admin-pass must be set together")
	}

	return Config{
		ListenAddr:     v.GetString("listen"),
		ListenPort:     v.GetInt("port"),
		MgmtListenAddr: v.GetString("mgmt-listen"),
		MgmtPort:       v.GetInt("mgmt-port"),
		Auth:           auth,
		PreferPassword: v.GetBool("prefer-password"),
		SeedAdminUser:  seedUser,
		SeedAdminPass:  seedPass,
		IdleTimeout:    v.GetDuration("idle-timeout"),
		LogLevel:       level,
		LogFormat:      v.GetString("log-format"),
	}, nil
}

func parseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LevelDebug, nil
	case "info":
		return logging.LevelInfo, nil
	case "warn", "warning":
		return logging.LevelWarn, nil
	case "error":
		return logging.LevelError, nil
	default:
		return 0, fmt.Errorf("config: invalid --log-level %q", s)
	}
}

// SeedRole is the role granted to the account seeded via
// --seed-admin-user/--seed-admin-pass. It is always RoleAdmin; the flags
// exist specifically to guarantee there is one admin account to
// bootstrap the management protocol with.
const SeedRole = userstore.RoleAdmin

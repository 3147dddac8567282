package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/atomic"

	"github.com/6ccg/vpncore/internal/networkio"
	"github.com/6ccg/vpncore/internal/tun"
	"github.com/6ccg/vpncore/pkg/config"
	"github.com/6ccg/vpncore/pkg/tunnel"
)

const (
	appDesc   = "OpenVPN client"
	envPrefix = "VPNCORE"

	dialTimeout    = 10 * time.Second
	reconnectDelay = 2 * time.Second
)

// Flags
var (
	cfgFile       string
	logLevel      string
	tunName       string
	maxReconnects int
)

var rootCmd = &cobra.Command{
	Use:          "vpnclient [flags]",
	Short:        appDesc,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runMain,
}

func init() {
	initFlags()
	cobra.OnInitialize(initConfig)
	cobra.OnInitialize(initLogger)
}

func initFlags() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (.ovpn or .yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVarP(&tunName, "tun", "t", "", "TUN device name, no device when empty")
	rootCmd.PersistentFlags().IntVar(&maxReconnects, "max-reconnects", 10, "reconnect attempts, 0 for unlimited")
	rootCmd.PersistentFlags().String("username", "", "username, overrides the config file")
	rootCmd.PersistentFlags().String("password", "", "password, overrides the config file")
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		return
	}
	viper.SetConfigName("vpnclient")
	viper.SetConfigType("yaml")
	viper.SupportedExts = append([]string{"yaml", "yml"}, viper.SupportedExts...)
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.vpncore")
	viper.AddConfigPath("/etc/vpncore")
}

func initLogger() {
	log.SetHandler(cli.New(os.Stderr))
	level, err := log.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "unsupported log level: %s\n", viper.GetString("log-level"))
		os.Exit(1)
	}
	log.SetLevel(level)
}

// configPath returns the file named by the flag, or the one viper found.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("no config file: %w", err)
	}
	return viper.ConfigFileUsed(), nil
}

func loadConfiguration(path string) (*config.Configuration, error) {
	var (
		cfg *config.Configuration
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var f *os.File
		if f, err = os.Open(path); err != nil {
			return nil, err
		}
		defer f.Close()
		cfg, err = config.LoadYAML(f)
	default:
		cfg, err = config.ReadConfigFile(path)
	}
	if err != nil {
		return nil, err
	}
	if u := viper.GetString("username"); u != "" {
		cfg.Username = u
	}
	if p := viper.GetString("password"); p != "" {
		cfg.Password = p
	}
	if len(cfg.Remotes) == 0 {
		return nil, fmt.Errorf("%w: no remote", config.ErrBadConfig)
	}
	return cfg, nil
}

// cliDelegate logs the session events and remembers whether the last run
// asked for a reconnect.
type cliDelegate struct {
	reconnect *atomic.Bool
}

func (d *cliDelegate) OnStarted(remoteAddress, remoteProtocol string, options *config.Configuration) {
	fields := log.Fields{
		"remote": remoteAddress,
		"proto":  remoteProtocol,
	}
	if options.IPv4 != nil {
		fields["ipv4"] = options.IPv4.Address
		fields["gateway"] = options.IPv4.Gateway
	}
	if options.IPv6 != nil {
		fields["ipv6"] = options.IPv6.Address
	}
	log.WithFields(fields).Info("connected")
}

func (d *cliDelegate) OnStopped(err error, shouldReconnect bool) {
	d.reconnect.Store(shouldReconnect)
	entry := log.WithField("reconnect", shouldReconnect)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Info("disconnected")
}

func runMain(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	cfg, err := loadConfiguration(path)
	if err != nil {
		return err
	}

	delegate := &cliDelegate{reconnect: atomic.NewBool(false)}
	sess, err := tunnel.NewSession(cfg,
		tunnel.WithLogger(log.Log),
		tunnel.WithDelegate(delegate),
	)
	if err != nil {
		return err
	}

	// a nil *tun.Device must not become a non-nil Tunnel
	var device tunnel.Tunnel
	if name := viper.GetString("tun"); name != "" {
		dev, err := tun.Open(name, tun.WithLogger(log.Log))
		if err != nil {
			return err
		}
		defer dev.Close()
		device = dev
		log.Infof("using TUN device %s", dev.Name())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limit := viper.GetInt("max-reconnects")
	for attempt := 0; ; attempt++ {
		remote := cfg.Remotes[attempt%len(cfg.Remotes)]
		reconnect, err := runOnce(ctx, sess, delegate, remote, device)
		if ctx.Err() != nil {
			return nil
		}
		if !reconnect {
			return err
		}
		if limit > 0 && attempt+1 >= limit {
			return fmt.Errorf("giving up after %d attempts: %w", attempt+1, err)
		}
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

// runOnce dials remote and runs the session until it stops. It returns
// whether another attempt makes sense.
func runOnce(ctx context.Context, sess *tunnel.Session, delegate *cliDelegate, remote config.Remote, device tunnel.Tunnel) (bool, error) {
	address := net.JoinHostPort(remote.Address, strconv.Itoa(int(remote.Port)))
	log.WithField("remote", address).Infof("dialing %s", remote.Proto)

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, remote.Proto.Network(), address)
	if err != nil {
		log.WithError(err).Warn("dial failed")
		return true, err
	}
	link := networkio.NewLink(conn, remote.Proto, networkio.WithLogger(log.Log))
	defer link.Close()

	delegate.reconnect.Store(false)
	if err := sess.Start(ctx, link, device); err != nil {
		return false, fmt.Errorf("cannot start session: %w", err)
	}
	err = sess.Wait()
	return delegate.reconnect.Load(), err
}

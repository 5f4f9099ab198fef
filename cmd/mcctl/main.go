// mcctl talks to a memcached cluster through the gomc client.
//
//	mcctl -s localhost:11211 set greeting hello
//	mcctl -s localhost:11211 -s localhost:11212 stats
package main

import (
	"context"
	"io"
	"os"
	"os/signal"

	"github.com/jessevdk/go-flags"
	"github.com/rglonek/logger"

	"github.com/dropbox/gomc/errors"
	"github.com/dropbox/gomc/memcache"
	"github.com/dropbox/gomc/stats"
)

type connectionOptions struct {
	Config   string   `short:"c" long:"config" description:"yaml config file; MEMCACHE_* environment variables override it"`
	Servers  []string `short:"s" long:"server" description:"host:port[ weight], may be specified multiple times; replaces the configured servers"`
	Protocol string   `short:"p" long:"protocol" choice:"text" choice:"binary" description:"wire protocol; defaults to the configured one"`
	LogLevel int      `short:"l" long:"log-level" default:"3" description:"log level, 1=critical, 2=error, 3=warning, 4=info, 5=debug, 6=detail"`
	Metrics  bool     `long:"metrics" description:"print the client's request metrics after the command"`
}

type commands struct {
	Connection connectionOptions `group:"Connection Options"`

	Get     getCmd     `command:"get" description:"Fetch one or more keys"`
	Set     setCmd     `command:"set" description:"Store a value"`
	Delete  deleteCmd  `command:"delete" description:"Delete one or more keys"`
	Incr    incrCmd    `command:"incr" description:"Increment or decrement a counter"`
	Stats   statsCmd   `command:"stats" description:"Show per server statistics"`
	Version versionCmd `command:"version" description:"Show per server versions"`
	Flush   flushCmd   `command:"flush" description:"Invalidate every item on every server"`
}

// connectFunc opens a client and returns it with its shutdown func.
type connectFunc func(
	ctx context.Context,
	config *memcache.Config) (memcache.Client, func(context.Context), error)

func connectCluster(
	ctx context.Context,
	config *memcache.Config) (memcache.Client, func(context.Context), error) {

	client, err := memcache.New(ctx, config)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Shutdown, nil
}

type app struct {
	opts    *commands
	out     io.Writer
	log     *logger.Logger
	connect connectFunc
}

func newApp(out io.Writer, connect connectFunc) *app {
	a := &app{
		opts:    &commands{},
		out:     out,
		log:     logger.NewLogger().WithPrefix("[mcctl] "),
		connect: connect,
	}
	a.opts.Get.app = a
	a.opts.Set.app = a
	a.opts.Delete.app = a
	a.opts.Incr.app = a
	a.opts.Stats.app = a
	a.opts.Version.app = a
	a.opts.Flush.app = a
	return a
}

func (a *app) config() (*memcache.Config, error) {
	config, err := memcache.LoadConfig(a.opts.Connection.Config)
	if err != nil {
		return nil, err
	}
	if len(a.opts.Connection.Servers) > 0 {
		config.Servers = a.opts.Connection.Servers
	}
	if a.opts.Connection.Protocol != "" {
		config.Protocol = a.opts.Connection.Protocol
	}
	config.Name = "mcctl"
	config.LogLevel = a.opts.Connection.LogLevel
	config.EnableHealSession = false
	config.EnableHeartbeat = false
	if len(config.Servers) == 0 {
		return nil, errors.New("No servers; use --server or a config file")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// withClient runs fn against a freshly connected client.
func (a *app) withClient(fn func(ctx context.Context, client memcache.Client) error) error {
	a.log.SetLogLevel(logger.LogLevel(a.opts.Connection.LogLevel))

	config, err := a.config()
	if err != nil {
		return err
	}

	var metrics *stats.MemoryStatsFactory
	if a.opts.Connection.Metrics {
		metrics = stats.NewMemoryStatsFactory()
		config.Stats = metrics
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, shutdown, err := a.connect(ctx, config)
	if err != nil {
		return errors.Wrap(err, "Could not connect")
	}
	defer shutdown(context.Background())

	a.log.Debug("Connected to %v over %s", config.Servers, config.Protocol)
	err = fn(ctx, client)
	if metrics != nil {
		a.renderMetrics(metrics)
	}
	return err
}

func (a *app) run(args []string) error {
	parser := flags.NewParser(a.opts, flags.HelpFlag|flags.PassDoubleDash)
	_, err := parser.ParseArgs(args)
	return err
}

func main() {
	a := newApp(os.Stdout, connectCluster)
	if err := a.run(os.Args[1:]); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Stdout.WriteString(flagsErr.Message + "\n")
			return
		}
		a.log.Error("%s", errors.GetMessage(err))
		os.Exit(1)
	}
}

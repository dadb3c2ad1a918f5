// Program kscape is a command-line utility for querying and monitoring a
// movie player over its control protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/kscape"
	"github.com/creachadair/kscape/catalog"
	"github.com/creachadair/kscape/emulator"
	"github.com/creachadair/kscape/transport"
	"gopkg.in/yaml.v3"
)

var flags struct {
	Host     string        `flag:"host,Device host name or address (default $KSCAPE_HOST)"`
	Port     int           `flag:"port,Device control port (default 10000)"`
	Device   string        `flag:"device,Player serial number (default $KPLAYER_SERIAL_NUMBER)"`
	Config   string        `flag:"config,Read connection settings from this YAML file"`
	LogLevel string        `flag:"log-level,default=info,Log level: debug|info|warn|error"`
	Timeout  time.Duration `flag:"timeout,default=10s,Timeout for each request"`
}

var watchFlags struct {
	Details bool `flag:"details,Look up the details of each highlighted selection"`
}

var emulateFlags struct {
	Listen  string `flag:"listen,default=localhost:10000,Listen for connections at this address"`
	Catalog string `flag:"catalog,Serve content details from this YAML catalog"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Utilities for querying and monitoring a movie player.

Connection settings are read from the file named by --config, if any, and
then overridden by flags. The KSCAPE_HOST and KPLAYER_SERIAL_NUMBER
environment variables supply the host and device if neither sets them.`,
		SetFlags: command.Flags(flax.MustBind, &flags),
		Init: func(env *command.Env) error {
			configureLogging(flags.LogLevel)
			return nil
		},
		Commands: []*command.C{
			{
				Name:  "details",
				Usage: "<handle>...",
				Help:  "Print the content details for each handle, as YAML.",
				Run: func(env *command.Env) error {
					if len(env.Args) == 0 {
						return env.Usagef("Missing content handle")
					}
					return runDetails(ctx, env.Args)
				},
			},
			{
				Name: "watch",
				Help: `Print events from the device until interrupted.

With --details, print the title and year of each highlighted selection.`,
				SetFlags: command.Flags(flax.MustBind, &watchFlags),
				Run: func(env *command.Env) error {
					if len(env.Args) != 0 {
						return env.Usagef("Extra arguments: %q", env.Args)
					}
					return runWatch(ctx)
				},
			},
			{
				Name: "shell",
				Help: `Run an interactive session with the device.

Type "help" at the prompt for a list of commands.`,
				Run: func(env *command.Env) error {
					if len(env.Args) != 0 {
						return env.Usagef("Extra arguments: %q", env.Args)
					}
					return runShell(ctx)
				},
			},
			{
				Name: "emulate",
				Help: `Run an emulated device, serving content details from a catalog.

The device id is taken from --device, and defaults to 000001.`,
				SetFlags: command.Flags(flax.MustBind, &emulateFlags),
				Run: func(env *command.Env) error {
					if len(env.Args) != 0 {
						return env.Usagef("Extra arguments: %q", env.Args)
					}
					return runEmulate(ctx)
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// loadConfig merges connection settings from the config file, flags, and
// environment, and validates the result.
func loadConfig() (kscape.Config, error) {
	var cfg kscape.Config
	if flags.Config != "" {
		var err error
		cfg, err = kscape.LoadConfig(flags.Config)
		if err != nil {
			return cfg, err
		}
	}
	if flags.Host != "" {
		cfg.Host = flags.Host
	} else if cfg.Host == "" {
		cfg.Host = os.Getenv("KSCAPE_HOST")
	}
	if flags.Device != "" {
		cfg.DeviceID = flags.Device
	} else if cfg.DeviceID == "" {
		cfg.DeviceID = os.Getenv("KPLAYER_SERIAL_NUMBER")
	}
	if flags.Port != 0 {
		cfg.Port = flags.Port
	}
	return cfg, cfg.Validate()
}

// connect dials the device and returns a connected client.
func connect(ctx context.Context) (*kscape.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	lineLog := withComponent("line")
	c := kscape.NewClient(&transport.TCP{
		Addr:        cfg.Address(),
		DialTimeout: cfg.DialTimeout,
	}, cfg.DeviceID).LogLines(func(li kscape.LineInfo) {
		lineLog.Debug().Bool("sent", li.Sent).Str("line", li.Line).Msg("line")
	})
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	logger.Info().Str("addr", cfg.Address()).Str("device", cfg.DeviceID).Msg("connected")
	return c, nil
}

func lookup(ctx context.Context, c *kscape.Client, handle string) (*kscape.ContentDetails, error) {
	rctx, cancel := context.WithTimeout(ctx, flags.Timeout)
	defer cancel()
	return c.GetContentDetails(rctx, handle)
}

func runDetails(ctx context.Context, handles []string) error {
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	for _, h := range handles {
		d, err := lookup(ctx, c, h)
		if err != nil {
			return fmt.Errorf("lookup %q: %w", h, err)
		}
		if err := enc.Encode(d); err != nil {
			return err
		}
	}
	return nil
}

func runWatch(ctx context.Context) error {
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	log := withComponent("events")
	sub := c.SubscribeAll(0)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.C():
			if !ok {
				return c.Wait()
			}
			log.Info().Str("event", evt.EventName()).Interface("data", evt).Msg("event")

			sel, ok := evt.(kscape.HighlightedSelectionChanged)
			if !ok || !watchFlags.Details {
				continue
			}
			d, err := lookup(ctx, c, sel.SelectionID)
			if err != nil {
				log.Error().Err(err).Str("handle", sel.SelectionID).Msg("lookup failed")
				continue
			}
			fmt.Printf("%s: %s (%s)\n", sel.SelectionID, d.Title, d.Year)
		}
	}
}

func runEmulate(ctx context.Context) error {
	cat := catalog.New()
	if emulateFlags.Catalog != "" {
		f, err := os.Open(emulateFlags.Catalog)
		if err != nil {
			return err
		}
		cat, err = catalog.Load(f)
		f.Close()
		if err != nil {
			return err
		}
	}
	id := flags.Device
	if id == "" {
		id = "000001"
	}

	lst, err := net.Listen("tcp", emulateFlags.Listen)
	if err != nil {
		return err
	}
	log := withComponent("emulator")
	log.Info().Str("addr", lst.Addr().String()).Str("device", id).Int("items", cat.Len()).Msg("serving")

	err = emulator.Serve(ctx, lst, func() *emulator.Device {
		return emulator.New(id, cat).LogLines(func(li kscape.LineInfo) {
			log.Debug().Bool("sent", li.Sent).Str("line", li.Line).Msg("line")
		})
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

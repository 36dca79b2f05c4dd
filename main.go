// relaychat is a terminal chat room for the local network. The first
// participant to start hosts the relay; everyone after joins it.
//
// Relay mode (--relay) runs only the relay, logging to stderr, with an
// optional WebSocket gateway and a multicast beacon for discovery.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"relaychat/internal/attach"
	"relaychat/internal/config"
	"relaychat/internal/discovery"
	"relaychat/internal/notify"
	"relaychat/internal/participant"
	"relaychat/internal/relay"
	"relaychat/internal/wire"
)

const discoverTimeout = 3 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		relayMode  bool
		discover   bool
	)

	cfg := config.Default()

	flagSet := pflag.NewFlagSet("relaychat", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.StringVarP(&cfg.Name, "name", "n", cfg.Name, "display name")
	flagSet.StringVarP(&cfg.Address, "address", "a", "", "room address host:port (default <local ip>:5000)")
	flagSet.StringVar(&cfg.Avatar, "avatar", "", "image file sent as your avatar")
	flagSet.BoolVar(&cfg.Bell, "bell", false, "ring a bell when a message arrives")
	flagSet.StringVar(&cfg.BellSound, "bell-sound", "", "wav or mp3 file to use as the bell")
	flagSet.StringVar(&cfg.LogFile, "log-file", "", "write logs to this file while the chat UI runs")
	flagSet.StringVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "timeout for each connection attempt")
	flagSet.BoolVar(&relayMode, "relay", false, "run only the relay")
	flagSet.StringVar(&cfg.WebSocket, "ws-listen", "", "relay mode: also accept WebSocket participants on this address at /ws")
	flagSet.BoolVar(&cfg.Announce, "announce", false, "relay mode: multicast the relay address on the local network")
	flagSet.BoolVar(&cfg.PurgeStale, "purge-stale", false, "drop presence of sessions that disconnect without leaving")
	flagSet.BoolVar(&discover, "discover", false, "find the room address from a relay beacon")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if configPath != "" {
		fileCfg, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		// Flags given explicitly win over the file.
		flagSet.Visit(func(f *pflag.Flag) { applyFlag(fileCfg, cfg, f.Name) })
		cfg = fileCfg
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if relayMode {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		cfg.ResolveAddress()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return runRelay(ctx, cfg, logger)
	}

	logger, closeLog, err := openLog(cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	if discover && cfg.Address == "" {
		addr, err := discovery.Discover(ctx, discoverTimeout)
		switch {
		case err == nil:
			logger.Info("discovered relay", "addr", addr)
			cfg.Address = addr
		case errors.Is(err, discovery.ErrNoBeacon):
			logger.Info("no relay beacon, using default address")
		default:
			logger.Warn("discovery failed", "err", err)
		}
	}
	cfg.ResolveAddress()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return runChat(ctx, cfg, logger)
}

// applyFlag copies one explicitly set flag from src into dst.
func applyFlag(dst, src *config.Config, name string) {
	switch name {
	case "name":
		dst.Name = src.Name
	case "address":
		dst.Address = src.Address
	case "avatar":
		dst.Avatar = src.Avatar
	case "bell":
		dst.Bell = src.Bell
	case "bell-sound":
		dst.BellSound = src.BellSound
	case "log-file":
		dst.LogFile = src.LogFile
	case "dial-timeout":
		dst.DialTimeout = src.DialTimeout
	case "ws-listen":
		dst.WebSocket = src.WebSocket
	case "announce":
		dst.Announce = src.Announce
	case "purge-stale":
		dst.PurgeStale = src.PurgeStale
	}
}

func runRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	server, err := relay.Listen(cfg.Address, relay.Options{
		Logger:            logger,
		PurgeOnDisconnect: cfg.PurgeStale,
	})
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()

	var httpServer *http.Server
	if cfg.WebSocket != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", server.WebSocketHandler())
		httpServer = &http.Server{
			Addr:              cfg.WebSocket,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("websocket gateway listening", "addr", cfg.WebSocket)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("websocket gateway stopped", "err", err)
			}
		}()
	}

	if cfg.Announce {
		go func() {
			if err := discovery.Announce(ctx, server.Addr(), discovery.DefaultInterval, logger); err != nil {
				logger.Error("announce stopped", "err", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("websocket gateway shutdown", "err", err)
		}
	}
	return server.Close()
}

func runChat(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	dialTimeout, err := cfg.DialTimeoutDuration()
	if err != nil {
		return err
	}

	var avatar []byte
	if cfg.Avatar != "" {
		file, err := attach.Load(cfg.Avatar, 0)
		if err != nil {
			return fmt.Errorf("failed to load avatar: %w", err)
		}
		avatar = file.Data
	}

	var bell ringer
	if cfg.Bell {
		b, err := notify.NewBell(cfg.BellSound, logger)
		if err != nil {
			logger.Warn("bell disabled", "err", err)
		} else {
			bell = b
		}
	}

	// The session outlives ctx so the final Leave is still flushed after a
	// signal stops the UI.
	client := participant.Connect(context.WithoutCancel(ctx), cfg.Address, participant.Options{
		Logger:      logger,
		DialTimeout: dialTimeout,
		Relay: relay.Options{
			Logger:            logger,
			PurgeOnDisconnect: cfg.PurgeStale,
		},
	})
	client.Send(wire.NewJoin(cfg.Name))

	ui := NewUI(client, cfg.Name, avatar, bell, logger)
	program := tea.NewProgram(ui, tea.WithAltScreen(), tea.WithContext(ctx))
	_, runErr := program.Run()

	client.Send(wire.NewLeave(cfg.Name, client.LocalAddr()))
	if err := client.Close(); err != nil {
		logger.Warn("close failed", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return fmt.Errorf("error running TUI: %w", runErr)
	}
	return nil
}

// openLog returns a text logger writing to path, or discarding output when
// path is empty. The UI owns the terminal, so nothing goes to stderr.
func openLog(path string) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return slog.New(slog.NewTextHandler(f, nil)), func() { f.Close() }, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `relaychat - terminal chat room for the local network.

The first participant at an address hosts the relay; later participants
join it. Settings may come from a YAML file (--config); flags override it.

Usage:
  relaychat [flags]
  relaychat --relay [--ws-listen :8080] [--announce]

Flags:
`)
	flagSet.PrintDefaults()
}

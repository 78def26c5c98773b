package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"rustdrone/internal/hud"
	"rustdrone/internal/listener"
	"rustdrone/internal/logger"
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Boot the drone and start a salvage run",
	RunE:  runPlay,
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("scan"),
	readline.PcItem("salvage"),
	readline.PcItem("status"),
	readline.PcItem("results"),
	readline.PcItem("metrics"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

func runPlay(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	lg, closer, err := logger.New(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("could not initialize logger: %w", err)
	}
	defer closer.Close()

	console, err := listener.New("> ", completer)
	if err != nil {
		return fmt.Errorf("failed to init terminal input: %w", err)
	}
	defer console.Close()

	presenters := hud.Multi{hud.NewTerminal(console)}
	if m := dialHUD(cfg, lg); m != nil {
		defer m.Close()
		presenters = append(presenters, m)
	} else if cfg.HUD.MQTT.Enabled {
		console.AsyncPrintln("[HUD] MQTT broker unreachable, remote HUD disabled.")
	}

	d, err := buildDrone(cfg, presenters, lg)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := d.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Printf("[CLI] Drone stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		console.Close()
	}()

	r := newREPL(console, d, lg)
	return r.run(ctx)
}

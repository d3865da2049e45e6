// Command conifer boots the emulated machine on the host terminal: stdin
// feeds the UART, UART output lands on stdout. Ctrl-] detaches.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	conifer "github.com/coniferos/conifer"
	"github.com/coniferos/conifer/internal/logging"
)

const detachByte = 0x1D // Ctrl-]

var version = "dev"

// fileConfig is the optional TOML machine configuration.
type fileConfig struct {
	Serial        string `toml:"serial"`
	Display       bool   `toml:"display"`
	DisplayWidth  uint32 `toml:"display_width"`
	DisplayHeight uint32 `toml:"display_height"`
	LogLevel      string `toml:"log_level"`
}

func main() {
	var (
		configPath  string
		serialHex   string
		withDisplay bool
		logLevel    string
	)

	rootCmd := &cobra.Command{
		Use:   "conifer",
		Short: "Boot the emulated ARM machine on this terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := fileConfig{LogLevel: "info"}
			if configPath != "" {
				raw, err := os.ReadFile(configPath)
				if err != nil {
					return fmt.Errorf("read config: %w", err)
				}
				if err := toml.Unmarshal(raw, &cfg); err != nil {
					return fmt.Errorf("parse config: %w", err)
				}
			}
			// Flags override the file.
			if cmd.Flags().Changed("serial") {
				cfg.Serial = serialHex
			}
			if cmd.Flags().Changed("display") {
				cfg.Display = withDisplay
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			return run(cfg)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML machine configuration")
	rootCmd.Flags().StringVar(&serialHex, "serial", "", "board serial number (hex)")
	rootCmd.Flags().BoolVar(&withDisplay, "display", false, "negotiate a framebuffer at boot")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "host log level (debug, info, warn, error)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("conifer", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg fileConfig) error {
	logger := logging.NewLogger(&logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Output: os.Stderr,
	})
	logging.SetDefault(logger)

	params := conifer.DefaultParams()
	if cfg.Serial != "" {
		serial, err := strconv.ParseUint(cfg.Serial, 16, 64)
		if err != nil {
			return fmt.Errorf("invalid serial %q: %w", cfg.Serial, err)
		}
		params.Serial = serial
	}
	params.EnableDisplay = cfg.Display
	if cfg.DisplayWidth != 0 {
		params.DisplayWidth = cfg.DisplayWidth
	}
	if cfg.DisplayHeight != 0 {
		params.DisplayHeight = cfg.DisplayHeight
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Raw mode so keystrokes reach the UART unbuffered; the guest echoes.
	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		old, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("raw terminal: %w", err)
		}
		defer term.Restore(stdinFd, old) //nolint:errcheck // best effort on exit

		if ws, err := unix.IoctlGetWinsize(stdinFd, unix.TIOCGWINSZ); err == nil {
			logger.Debug("host terminal", "cols", ws.Col, "rows", ws.Row)
		}
		fmt.Fprintf(os.Stderr, "conifer: Ctrl-] detaches\r\n")
	}

	machine, err := conifer.Boot(ctx, params, &conifer.Options{
		Input:  &detachReader{r: os.Stdin, cancel: cancel},
		Output: os.Stdout,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	err = machine.Run(ctx)
	if err == context.Canceled {
		err = nil
	}

	snap := machine.Metrics().Snapshot()
	logger.Info("session ended",
		"jiffies", machine.Jiffies(),
		"syscalls", snap.Syscalls,
		"switches", snap.ContextSwitches)
	return err
}

// detachReader passes stdin through until the detach byte shows up.
type detachReader struct {
	r      io.Reader
	cancel context.CancelFunc
}

func (d *detachReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	for i := 0; i < n; i++ {
		if p[i] == detachByte {
			d.cancel()
			return i, io.EOF
		}
	}
	return n, err
}

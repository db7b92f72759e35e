// ModX-Core CLI
//
// A Modbus client and bus diagnostics tool built on the ModX-Core
// framing and transaction engine. Speaks RTU over serial lines and
// MBAP over TCP/TLS/UDP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/commatea/ModX-Core/pkg/capture"
	capsqlite "github.com/commatea/ModX-Core/pkg/capture/sqlite"
	"github.com/commatea/ModX-Core/pkg/client"
	"github.com/commatea/ModX-Core/pkg/config"
	"github.com/commatea/ModX-Core/pkg/frame"
	"github.com/commatea/ModX-Core/pkg/logger"
	"github.com/commatea/ModX-Core/pkg/pdu"
	"github.com/commatea/ModX-Core/pkg/transport"
	"github.com/commatea/ModX-Core/pkg/transport/serial"
	"github.com/commatea/ModX-Core/pkg/transport/tcp"
	"github.com/commatea/ModX-Core/pkg/transport/udp"
)

var (
	version   = "1.0.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile    string
	verbose    bool
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "modx",
		Short: "ModX-Core - Modbus framing and transaction engine",
		Long: `ModX-Core is a Modbus client and bus diagnostics tool. It frames
RTU and MBAP traffic over serial, TCP, TLS and UDP carriers and runs
request/response transactions with retries and RTU bus timing.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "log in JSON format")

	// Add commands
	rootCmd.AddCommand(
		newReadCmd(),
		newWriteCmd(),
		newMonitorCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	logger.SetGlobal(logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	}))
	return cfg, nil
}

// newTransport builds the carrier for the configured mode.
func newTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Mode {
	case "rtu":
		return serial.New(cfg.Serial)
	case "udp":
		return udp.New(cfg.UDP)
	default:
		return tcp.NewClient(cfg.TCP)
	}
}

// newClient builds a connected client for the configured mode.
func newClient(ctx context.Context, cfg *config.Config) (*client.Client, error) {
	tr, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	var c *client.Client
	if cfg.Mode == "rtu" {
		c = client.NewRTU(tr.(*serial.Transport), cfg.Client.ClientConfig())
	} else {
		c = client.NewSocket(tr, cfg.Client.ClientConfig())
	}
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect failed: %w", err)
	}
	return c, nil
}

// newReadCmd creates the read command.
func newReadCmd() *cobra.Command {
	var slaveID uint8
	var address, quantity uint16
	var fc string

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read coils or registers from a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			c, err := newClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			switch fc {
			case "coils":
				values, err := c.ReadCoils(ctx, slaveID, address, quantity)
				if err != nil {
					return err
				}
				printBools(address, values)
			case "discrete":
				values, err := c.ReadDiscreteInputs(ctx, slaveID, address, quantity)
				if err != nil {
					return err
				}
				printBools(address, values)
			case "input":
				values, err := c.ReadInputRegisters(ctx, slaveID, address, quantity)
				if err != nil {
					return err
				}
				printRegisters(address, values)
			default:
				values, err := c.ReadHoldingRegisters(ctx, slaveID, address, quantity)
				if err != nil {
					return err
				}
				printRegisters(address, values)
			}
			return nil
		},
	}

	cmd.Flags().Uint8VarP(&slaveID, "slave", "s", 1, "slave/unit id")
	cmd.Flags().Uint16VarP(&address, "address", "a", 0, "start address")
	cmd.Flags().Uint16VarP(&quantity, "quantity", "n", 1, "number of items")
	cmd.Flags().StringVarP(&fc, "type", "t", "holding", "register type (coils, discrete, holding, input)")
	return cmd
}

func printRegisters(address uint16, values []uint16) {
	for i, v := range values {
		fmt.Printf("%5d: %6d (0x%04X)\n", address+uint16(i), v, v)
	}
}

func printBools(address uint16, values []bool) {
	for i, v := range values {
		state := 0
		if v {
			state = 1
		}
		fmt.Printf("%5d: %d\n", address+uint16(i), state)
	}
}

// newWriteCmd creates the write command.
func newWriteCmd() *cobra.Command {
	var slaveID uint8
	var address uint16
	var coil bool

	cmd := &cobra.Command{
		Use:   "write <value>...",
		Short: "Write registers or coils to a device",
		Long: `Write one or more values starting at the given address. A single
value uses the single-write functions (FC 05/06); several values use
the multiple-write functions (FC 0F/10). Slave id 0 broadcasts when
broadcast_enable is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			c, err := newClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			if coil {
				values := make([]bool, len(args))
				for i, a := range args {
					v, err := strconv.ParseUint(a, 0, 1)
					if err != nil {
						return fmt.Errorf("invalid coil value %q", a)
					}
					values[i] = v == 1
				}
				if len(values) == 1 {
					return c.WriteSingleCoil(ctx, slaveID, address, values[0])
				}
				return c.WriteMultipleCoils(ctx, slaveID, address, values)
			}

			values := make([]uint16, len(args))
			for i, a := range args {
				v, err := strconv.ParseUint(a, 0, 16)
				if err != nil {
					return fmt.Errorf("invalid register value %q", a)
				}
				values[i] = uint16(v)
			}
			if len(values) == 1 {
				return c.WriteSingleRegister(ctx, slaveID, address, values[0])
			}
			return c.WriteMultipleRegisters(ctx, slaveID, address, values)
		},
	}

	cmd.Flags().Uint8VarP(&slaveID, "slave", "s", 1, "slave/unit id")
	cmd.Flags().Uint16VarP(&address, "address", "a", 0, "start address")
	cmd.Flags().BoolVar(&coil, "coil", false, "write coils instead of registers")
	return cmd
}

// newMonitorCmd creates the monitor command: a passive bus listener
// that frames and decodes everything it sees.
func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Decode and log all traffic on the bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runMonitor(cfg)
		},
	}
	return cmd
}

// runMonitor frames the carrier in broadcast mode and logs every
// decoded message, optionally persisting it.
func runMonitor(cfg *config.Config) error {
	log := logger.Global().Component("monitor")

	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}

	var framer frame.Framer
	if cfg.Mode == "rtu" {
		framer = frame.NewRTUFramer(pdu.NewClientRegistry())
	} else {
		framer = frame.NewSocketFramer(pdu.NewClientRegistry())
	}

	var store capture.Store
	if cfg.Capture.Enabled {
		store, err = capsqlite.NewStore(cfg.Capture.Path)
		if err != nil {
			return fmt.Errorf("failed to open capture store: %w", err)
		}
		defer store.Close()
	}

	if cfg.Metrics.Enabled {
		endpoint := cfg.Metrics.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		mux := http.NewServeMux()
		mux.Handle(endpoint, promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				log.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := tr.Connect(ctx); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer tr.Close()

	fmt.Println("Monitoring. Press Ctrl+C to stop.")
	opts := frame.Options{Broadcast: true, Peer: tr.PeerAddress()}
	for ctx.Err() == nil {
		data, err := tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(data) == 0 {
			continue
		}
		if err := framer.Feed(data); err != nil {
			framer.Reset()
			continue
		}
		err = framer.ProcessIncoming(opts, func(p *pdu.PDU) {
			log.Info("frame", "slave", p.SlaveID, "function", fmt.Sprintf("%02X", p.FunctionCode), "len", len(p.Data))
			if store != nil {
				if err := store.Save(capture.NewRecord(tr.PeerAddress(), capture.DirectionInbound, p)); err != nil {
					log.Warn("capture save failed", "error", err)
				}
			}
		})
		if err != nil {
			log.Debug("frame discarded", "error", err)
		}
	}
	return nil
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("modx %s\n  commit: %s\n  built:  %s\n", version, gitCommit, buildTime)
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/config"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/rpc"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

var (
	configFile string
	verbose    bool
	address    string
	caller     string
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "storagemesh",
		Short: "Decentralized storage placement and deal coordinator",
		Long: `storagemesh runs a coordinator that splits files into chunks, places them
on registered storage providers and settles storage deals between renters
and providers. The other commands talk to a running coordinator.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (.json, .yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&address, "address", "", "coordinator address (defaults to coordinator.address)")
	rootCmd.PersistentFlags().StringVar(&caller, "as", os.Getenv("STORAGEMESH_CALLER"), "caller address for requests")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(
		coordinatorCmd(),
		providerCmd(),
		dealCmd(),
		fileCmd(),
		statusCmd(),
		eventsCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("storagemesh v%s\n", Version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if address != "" {
		cfg.Coordinator.Address = address
	}
	return cfg, nil
}

// dialTarget turns a listen address such as ":8001" into something dialable.
func dialTarget(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

// connect dials the configured coordinator as the --as caller and returns a
// context bounded by config.Timeout.
func connect() (context.Context, *rpc.Client, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	client, err := rpc.Dial(ctx, dialTarget(cfg.Coordinator.Address), types.Address(caller))
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, client, func() {
		client.Close()
		cancel()
	}, nil
}

func requireCaller() error {
	if caller == "" {
		return fmt.Errorf("--as is required for this command (or set STORAGEMESH_CALLER)")
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

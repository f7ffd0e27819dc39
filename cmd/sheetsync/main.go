// The sheetsync command runs the character sheet sync server for a LAN game
// session, along with a small console for controlling it.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dnd-stuff/sheetsync/internal"
	"github.com/dnd-stuff/sheetsync/internal/core"
	"github.com/dnd-stuff/sheetsync/internal/core/debug"
	"github.com/dnd-stuff/sheetsync/internal/core/lifecycle"
	"github.com/dnd-stuff/sheetsync/internal/core/metrics"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	ConfigFlag  string
	PortFlag    uint16
	NoStartFlag bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "sheetsync",
		Short:        "Character sheet sync server for LAN game sessions",
		RunE:         ServerCommand,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&ConfigFlag, "config", "c", "./", "Path to the directory containing the server config file")
	rootCmd.Flags().Uint16VarP(&PortFlag, "port", "p", 0, "Port to listen on (overrides the config file)")
	rootCmd.Flags().BoolVar(&NoStartFlag, "no-start", false, "Wait for a start command instead of listening right away")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Prints the sheetsync version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "sheetsync", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func ServerCommand(cmd *cobra.Command, args []string) error {
	config, err := core.LoadConfig(ConfigFlag)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		config.Port = PortFlag
	}
	fmt.Println("using configuration directory:", ConfigFlag)

	// Change to the same directory as the config file so that any relative
	// paths in the config file will resolve.
	if err := os.Chdir(ConfigFlag); err != nil {
		return fmt.Errorf("error changing to config directory: %w", err)
	}

	logger, err := core.NewLogger(config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}

	m := metrics.New()
	if config.Debugging.Enabled {
		server := debug.StartUtilities(logger, config.Debugging.Port, m.Registry)
		defer server.Close()
	}

	controller := internal.NewController(config, logger, internal.WithMetrics(m))
	go logEvents(logger, controller.Subscribe())

	if !NoStartFlag {
		controller.Send(lifecycle.SwitchPort{Port: config.Port})
		controller.Send(lifecycle.Restart{})
	}

	// Register a SIGTERM handler so that Ctrl-C will shut the server down gracefully.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go exitHandler(controller, c)

	go runConsole(os.Stdin, os.Stdout, controller)

	<-controller.Done()
	fmt.Println("shut down")
	return nil
}

func logEvents(logger *logrus.Logger, sub *internal.Subscription) {
	for msg := range sub.Events() {
		switch msg.(type) {
		case lifecycle.StatusChanged:
			// Already logged by the Controller.
		default:
			logger.Infof("[EVENT] %v", msg)
		}
	}
}

func exitHandler(controller *internal.Controller, c chan os.Signal) {
	<-c
	fmt.Println("waiting to shut down gracefully...")
	controller.Send(lifecycle.Shutdown{})

	select {
	case <-c:
		fmt.Println("hard exiting (killed)")
		os.Exit(1)
	case <-controller.Done():
	}
}

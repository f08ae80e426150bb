// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"hexlab.xyz/bluetap/internal/adb"
	"hexlab.xyz/bluetap/internal/config"
	"hexlab.xyz/bluetap/internal/log"
	"hexlab.xyz/bluetap/internal/transport"
)

var (
	// Global flags
	configFile string
	serialFlag string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bluetap",
	Short: "bluetap - tap the Bluetooth HCI traffic of an Android device over adb",
	Long: `bluetap attaches to the Bluetooth stack of a rooted or debug-enabled Android
device through adb port forwarding. It streams the device's btsnoop HCI log,
parses the packets, and can write byte-exact btsnoop logs, live pcap files for
Wireshark, and inject HCI commands back into the controller.

When the bluetooth.default.so debug sockets are unavailable, bluetap falls
back to a root-shell relay built from su, tail and nc on the device.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when omitted)")
	rootCmd.PersistentFlags().StringVarP(&serialFlag, "serial", "s", "",
		"adb device serial (defaults to the only attached device)")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(injectCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig loads the config file (or defaults) and initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	log.Init(cfg.Log)
	return cfg, nil
}

// pickDevice resolves the target device: the --serial flag when given,
// otherwise the single authorized device attached.
func pickDevice(bridge adb.Bridge) (adb.Device, error) {
	devices, err := bridge.Devices()
	if err != nil {
		return adb.Device{}, err
	}
	if serialFlag != "" {
		for _, d := range devices {
			if d.Serial == serialFlag {
				if !d.Authorized() {
					return adb.Device{}, fmt.Errorf("%w: %s is %s", transport.ErrDeviceUnauthorized, d.Serial, d.State)
				}
				return d, nil
			}
		}
		return adb.Device{}, fmt.Errorf("%w: serial %s not attached", transport.ErrNoDevice, serialFlag)
	}

	var authorized []adb.Device
	for _, d := range devices {
		if d.Authorized() {
			authorized = append(authorized, d)
		}
	}
	switch len(authorized) {
	case 0:
		if len(devices) > 0 {
			return adb.Device{}, fmt.Errorf("%w: %d device(s) attached but none authorized", transport.ErrDeviceUnauthorized, len(devices))
		}
		return adb.Device{}, transport.ErrNoDevice
	case 1:
		return authorized[0], nil
	default:
		return adb.Device{}, fmt.Errorf("multiple devices attached, pick one with --serial")
	}
}

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hexlab.xyz/bluetap/internal/adb"
	"hexlab.xyz/bluetap/internal/log"
	"hexlab.xyz/bluetap/internal/sink"
	"hexlab.xyz/bluetap/internal/snoop"
	"hexlab.xyz/bluetap/internal/transport"
)

var printRecords bool

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach to the device's HCI stream and run until interrupted",
	Long: `Attach connects to the Bluetooth debug ports of the device, runs the
receive loop and feeds every configured sink until the stream ends or the
process is interrupted.

Examples:
  bluetap attach                       # attach to the only device, defaults
  bluetap attach -c bluetap.yml        # sinks and transport from config file
  bluetap attach --print               # print one line per HCI packet`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := log.GetLogger()

		bridge := adb.NewClient(cfg.ADB.Address)
		device, err := pickDevice(bridge)
		if err != nil {
			return err
		}
		logger.Infof("attaching to %s", device)

		sinks, err := sink.Build(cfg.Sinks)
		if err != nil {
			return err
		}
		defer sinks.Close()

		var opts []transport.Option
		if sinks.Snoop != nil {
			opts = append(opts, transport.WithSnoopSink(sinks.Snoop))
		}

		session, err := transport.Connect(bridge, device.Serial, cfg.Transport, opts...)
		if err != nil {
			return err
		}
		defer session.Teardown()
		if session.SerialMode() {
			logger.Info("connected through serial-su relay")
		}

		for _, p := range sinks.Pcaps {
			session.Dispatcher().OnRecord(func(r *snoop.Record) {
				if err := p.WriteRecord(r); err != nil {
					logger.WithError(err).Warn("pcap sink write failed")
				}
			})
		}
		if printRecords {
			session.Dispatcher().OnRecord(func(r *snoop.Record) {
				fmt.Println(r)
			})
		}

		if err := session.Start(); err != nil {
			return err
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigs:
			logger.Infof("received %s, shutting down", sig)
			session.Stop()
		case <-session.Done():
			logger.Info("HCI stream ended")
		}
		return nil
	},
}

func init() {
	attachCmd.Flags().BoolVar(&printRecords, "print", false, "print a summary line for every record")
}

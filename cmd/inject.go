package cmd

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hexlab.xyz/bluetap/internal/adb"
	"hexlab.xyz/bluetap/internal/hci"
	"hexlab.xyz/bluetap/internal/log"
	"hexlab.xyz/bluetap/internal/snoop"
	"hexlab.xyz/bluetap/internal/transport"
)

var injectWait time.Duration

var injectCmd = &cobra.Command{
	Use:   "inject <hex-bytes>",
	Short: "Send a raw HCI command to the controller",
	Long: `Inject frames the given hex bytes (little-endian opcode, parameter length,
parameters) as an HCI command and sends it through the injection socket, then
waits briefly for a matching Command Complete / Command Status event.

Example:
  bluetap inject 030c00       # HCI Reset (opcode 0x0c03, no parameters)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := log.GetLogger()

		body, err := hex.DecodeString(strings.ToLower(args[0]))
		if err != nil {
			return fmt.Errorf("invalid hex argument: %w", err)
		}
		if len(body) < 3 {
			return fmt.Errorf("command needs at least opcode and length (3 bytes), got %d", len(body))
		}
		opcode := binary.LittleEndian.Uint16(body[0:2])

		bridge := adb.NewClient(cfg.ADB.Address)
		device, err := pickDevice(bridge)
		if err != nil {
			return err
		}

		session, err := transport.Connect(bridge, device.Serial, cfg.Transport)
		if err != nil {
			return err
		}
		defer session.Teardown()

		// Watch for the command's completion event before injecting so the
		// response cannot race past us.
		events := session.Dispatcher().Subscribe(func(r *snoop.Record) bool {
			evt, ok := r.Packet.(*hci.Event)
			return ok && r.Received() && matchesOpcode(evt, opcode)
		})
		if err := session.Start(); err != nil {
			return err
		}

		if err := session.Inject(hci.TypeCommand, body); err != nil {
			return err
		}
		logger.Infof("injected command opcode=0x%04x", opcode)

		select {
		case rec := <-events.Records():
			fmt.Println(rec)
		case <-time.After(injectWait):
			logger.Warn("no completion event observed before timeout")
		case <-session.Done():
			logger.Warn("stream ended before a completion event arrived")
		}
		return nil
	},
}

func init() {
	injectCmd.Flags().DurationVarP(&injectWait, "wait", "w", 3*time.Second,
		"how long to wait for the completion event")
}

// matchesOpcode reports whether evt is a Command Complete (0x0e) or Command
// Status (0x0f) event for the given opcode.
func matchesOpcode(evt *hci.Event, opcode uint16) bool {
	switch evt.Code {
	case 0x0e: // Command Complete: numPkts(1) opcode(2) ...
		return len(evt.Params) >= 3 && binary.LittleEndian.Uint16(evt.Params[1:3]) == opcode
	case 0x0f: // Command Status: status(1) numPkts(1) opcode(2)
		return len(evt.Params) >= 4 && binary.LittleEndian.Uint16(evt.Params[2:4]) == opcode
	default:
		return false
	}
}

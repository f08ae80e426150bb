package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"hexlab.xyz/bluetap/internal/adb"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List attached adb devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		devices, err := adb.NewClient(cfg.ADB.Address).Devices()
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No adb devices found.")
			return nil
		}
		for _, d := range devices {
			fmt.Println(d)
		}
		return nil
	},
}

package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/powerguard/config"
	"github.com/kilianp07/powerguard/infra/mqtt"
)

var devicesWait time.Duration

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Device related commands",
}

var devicesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List devices that published their state",
	RunE:  runDevicesLs,
}

func init() {
	devicesLsCmd.Flags().DurationVar(&devicesWait, "wait", 2*time.Second, "time to collect retained states")
	devicesCmd.AddCommand(devicesLsCmd)
	rootCmd.AddCommand(devicesCmd)
}

func runDevicesLs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	mqttCfg := cfg.MQTT
	mqttCfg.ClientID = fmt.Sprintf("%s-ls-%d", mqttCfg.ClientID, time.Now().UnixNano())
	mqttCfg.LWTTopic = ""
	client, err := mqtt.NewPahoClient(mqttCfg)
	if err != nil {
		return fmt.Errorf("mqtt client: %w", err)
	}
	defer client.Disconnect()

	reg, err := mqtt.NewRegistry(client, mqttCfg.Prefix)
	if err != nil {
		return err
	}
	select {
	case <-time.After(devicesWait):
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}

	out := cmd.OutOrStdout()
	ids := reg.Devices()
	if len(ids) == 0 {
		fmt.Fprintln(out, "no devices found")
		return nil
	}
	for _, id := range ids {
		dev, err := reg.GetDevice(context.Background(), id)
		if err != nil {
			continue
		}
		caps := make([]string, 0, len(dev.Values))
		for k, v := range dev.Values {
			caps = append(caps, fmt.Sprintf("%s=%v", k, v))
		}
		sort.Strings(caps)
		fmt.Fprintf(out, "%-20s %-20s %s\n", dev.ID, dev.Name, strings.Join(caps, " "))
	}
	return nil
}

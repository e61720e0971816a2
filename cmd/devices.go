package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drgolem/audiorouter/pkg/types"
)

var devicesInput bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio devices",
	Long: `List the devices of the selected backend. With the hybrid backend every
available backend is listed; device ids carry the backend prefix
(pa:, ma:, web:, null:) and can be passed to play --device.

Examples:
  # Output devices of every backend
  audiorouter devices

  # Capture devices through PortAudio only
  audiorouter devices --backend shared --input`,
	Args: cobra.NoArgs,
	RunE: runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.Flags().BoolVarP(&devicesInput, "input", "i", false, "List input devices instead of outputs")
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	b, err := newBackend(cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	dir := types.Output
	if devicesInput {
		dir = types.Input
	}
	devices, err := b.EnumerateDevices(dir)
	if err != nil && !errors.Is(err, types.ErrBackendNotAvailable) {
		return fmt.Errorf("failed to enumerate devices: %w", err)
	}
	if len(devices) == 0 {
		log.Warn("No devices found", "backend", b.Name(), "direction", dir)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tBACKEND\tCHANNELS\tRATES\tDEFAULT")
	for _, d := range devices {
		ch := d.MaxOutputChannels
		if dir == types.Input {
			ch = d.MaxInputChannels
		}
		def := ""
		if d.IsDefault {
			def = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%d-%d\t%s\n", d.ID, d.Name, d.Backend, ch, d.MinSampleRate, d.MaxSampleRate, def)
	}
	return w.Flush()
}

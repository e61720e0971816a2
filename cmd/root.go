package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	logFormat  string
	backendArg string
	policyArg  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "audiorouter",
	Short: "Real-time audio routing engine",
	Long: `audiorouter - a real-time audio routing and mixing engine.

Sources (decoded files, signal generators, live input) are mixed into
destinations (output devices, WAV encoders, spectrum taps) through routes
with per-route gain and soft clipping. The device callback talks to the
rest of the program only through lock-free ring buffers and atomic meters.

Backends:
  - exclusive: miniaudio, exclusive-mode device access
  - shared:    PortAudio, shared-mode device access
  - browser:   oto, WebAudio or the platform mixer
  - hybrid:    tries exclusive, shared, browser in order and falls back
               on failure (default)
  - headless:  no device, a timer drives the callback

Commands:
  - devices: list audio devices
  - play:    play audio files
  - tone:    play a test signal
  - render:  mix a file offline into a WAV file
  - serve:   run a routing graph from a config file with a monitor server`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Verbose output (debug logging)")
	pf.StringVar(&logFormat, "log-format", "", "Log format: text or json")
	pf.StringVarP(&backendArg, "backend", "b", "", "Audio backend: hybrid, exclusive, shared, browser or headless")
	pf.StringVar(&policyArg, "policy", "", "Hybrid fallback policy: manual, auto or prefer:<backend>")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/gwillem/hadron/pkg/config"
)

type Options struct {
	Config string `short:"c" long:"config" env:"HADRON_CONFIG" description:"Configuration file (default hadron.yaml)"`

	Serve   ServeCommand   `command:"serve" description:"Run the robot control server"`
	Setup   SetupCommand   `command:"setup" description:"Detect hardware and write the configuration file"`
	Monitor MonitorCommand `command:"monitor" description:"Watch a running robot from the terminal"`
	Info    InfoCommand    `command:"info" description:"List serial ports, bus servos and game controllers"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "hadron - teleoperated robot car with camera head"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

// configPath is the file named by --config, HADRON_CONFIG or the default.
func configPath() string {
	return config.Path(opts.Config)
}

// loadConfig reads the configuration, falling back to defaults when no
// file exists.
func loadConfig() (*config.Config, error) {
	if opts.Config != "" {
		return config.LoadFrom(opts.Config)
	}
	return config.Load()
}

// Package config declares the command-line surface of the emulator.
package config

import (
	"github.com/antmicro/usb-sie/internal/cmd"
)

// LogConfig groups the logging flags shared by every command.
type LogConfig struct {
	Level   string `help:"Log level (trace, debug, info, warn, error)" enum:"trace,debug,info,warn,error" default:"info" env:"USBSIE_LOG_LEVEL"`
	File    string `help:"Write logs to this file instead of the console" env:"USBSIE_LOG_FILE"`
	RawFile string `help:"Write a raw per-packet hex log to this file" env:"USBSIE_LOG_RAW_FILE"`
}

// CLI is the Kong root: global flags plus one struct per command.
type CLI struct {
	Log    LogConfig `embed:"" prefix:"log."`
	Config string    `help:"Path to a config file (json, yaml or toml)" env:"USBSIE_CONFIG"`

	Run       cmd.Run           `cmd:"" help:"Run a scripted enumeration against the emulated device"`
	Decode    cmd.Decode        `cmd:"" help:"Decode a recorded packet trace"`
	ConfigCmd cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration file utilities"`
}

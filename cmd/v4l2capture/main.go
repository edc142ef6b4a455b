//go:build linux

// Command v4l2capture captures frames from a Video4Linux2 device, without
// external tools.
//
// Examples:
//
//	# List capture devices.
//	v4l2capture info --all
//
//	# Show capability and format of one device.
//	v4l2capture info -d /dev/video2
//
//	# Write 30 raw frames using user pointer i/o.
//	v4l2capture capture --io-method userptr --count 30 --out /tmp/frames
//
//	# Force 1280x720 MJPEG and save 5 PNG images, one per second.
//	v4l2capture snapshot --width 1280 --height 720 --pixel-format MJPG --interval 1s --count 5
package main

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "v4l2capture",
		Short: "Capture frames from Video4Linux2 devices",
		Long: `v4l2capture drives a Video4Linux2 capture device directly through the
kernel interface, using read, mmap or user pointer i/o.

Settings come from flags, V4L2CAPTURE_* environment variables and the config
file, in that order of precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v)
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is $HOME/.config/v4l2capture/config.yaml)")
	flags.StringP("device", "d", "/dev/video0", "device node")
	flags.String("io-method", "mmap", "i/o method: read, mmap or userptr")
	flags.BoolP("verbose", "v", false, "print verbose output")
	flags.IntP("count", "n", 10, "number of frames")
	flags.StringP("out", "o", "", "output directory, a new temporary directory if empty")
	flags.Int("width", 0, "force frame width, keep the device format if 0")
	flags.Int("height", 0, "force frame height, keep the device format if 0")
	flags.String("pixel-format", "YUYV", "pixel format to force with width and height")
	flags.Duration("interval", 0, "minimum time between snapshot images")
	flags.String("size", "", "resize snapshot images to WIDTHxHEIGHT")
	flags.Duration("timeout", 0, "how long to wait for a frame (default 2s)")
	for _, name := range []string{"config", "device", "io-method", "verbose", "count", "out", "width", "height", "pixel-format", "interval", "size", "timeout"} {
		_ = v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}

	root.AddCommand(newInfoCmd(v), newCaptureCmd(v), newSnapshotCmd(v), newConfigCmd(v))
	return root
}

func initConfig(v *viper.Viper) error {
	setDefaults(v)

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "v4l2capture"))
		}
		v.AddConfigPath(".")
		// A missing config file is fine.
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return err
			}
		}
	}

	v.SetEnvPrefix("V4L2CAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

func main() {
	log.SetFlags(0)
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

//go:build linux

package main

import (
	"fmt"
	goimage "image"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/edgeimpulse/linux-capture-go/v4l2"
)

// Config is the effective configuration, merged from defaults, the config
// file, V4L2CAPTURE_* environment variables and flags.
type Config struct {
	Device      string        `mapstructure:"device"`
	IOMethod    string        `mapstructure:"io_method"`
	Verbose     bool          `mapstructure:"verbose"`
	Count       int           `mapstructure:"count"`
	Out         string        `mapstructure:"out"`
	Width       int           `mapstructure:"width"`
	Height      int           `mapstructure:"height"`
	PixelFormat string        `mapstructure:"pixel_format"`
	Interval    time.Duration `mapstructure:"interval"`
	Size        string        `mapstructure:"size"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device", "/dev/video0")
	v.SetDefault("io_method", "mmap")
	v.SetDefault("verbose", false)
	v.SetDefault("count", 10)
	v.SetDefault("out", "")
	v.SetDefault("width", 0)
	v.SetDefault("height", 0)
	v.SetDefault("pixel_format", "YUYV")
	v.SetDefault("interval", "0s")
	v.SetDefault("size", "")
	v.SetDefault("timeout", "2s")
}

func loadConfig(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("parsing configuration: %v", err)
	}
	if _, err := v4l2.ParseIOMethod(c.IOMethod); err != nil {
		return Config{}, err
	}
	if c.Count <= 0 {
		return Config{}, fmt.Errorf("count must be > 0")
	}
	if (c.Width == 0) != (c.Height == 0) {
		return Config{}, fmt.Errorf("set both width and height, or neither")
	}
	if _, err := c.format(); err != nil {
		return Config{}, err
	}
	if _, err := c.size(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) ioMethod() v4l2.IOMethod {
	m, _ := v4l2.ParseIOMethod(c.IOMethod)
	return m
}

// format returns the format to force onto the device, nil to keep the
// current one.
func (c Config) format() (*v4l2.Format, error) {
	if c.Width == 0 {
		return nil, nil
	}
	if c.Width < 0 || c.Height < 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", c.Width, c.Height)
	}
	if len(c.PixelFormat) != 4 {
		return nil, fmt.Errorf("pixel format %q must have 4 characters", c.PixelFormat)
	}
	pf := c.PixelFormat
	return &v4l2.Format{
		Width:       uint32(c.Width),
		Height:      uint32(c.Height),
		PixelFormat: v4l2.FourCC(pf[0], pf[1], pf[2], pf[3]),
		Field:       v4l2.FieldAny,
	}, nil
}

// size parses the snapshot resize target, "WxH".
func (c Config) size() (goimage.Point, error) {
	if c.Size == "" {
		return goimage.Point{}, nil
	}
	var p goimage.Point
	if _, err := fmt.Sscanf(strings.ToLower(c.Size), "%dx%d", &p.X, &p.Y); err != nil || p.X <= 0 || p.Y <= 0 {
		return goimage.Point{}, fmt.Errorf("invalid size %q, expected WIDTHxHEIGHT", c.Size)
	}
	return p, nil
}

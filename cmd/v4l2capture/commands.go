//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	capture "github.com/edgeimpulse/linux-capture-go"
	"github.com/edgeimpulse/linux-capture-go/image/videodev"
	"github.com/edgeimpulse/linux-capture-go/v4l2"
)

func newInfoCmd(v *viper.Viper) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the capability and format of a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(v)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !all {
				return printInfo(out, c, v4l2.NewDevice(&v4l2.DeviceOpts{Verbose: c.Verbose}))
			}
			devs, err := videodev.ListDevices()
			if err != nil {
				return fmt.Errorf("listing devices: %v", err)
			}
			for _, dev := range devs {
				l := []string{}
				for _, dc := range dev.Caps {
					l = append(l, fmt.Sprintf("%s %dx%d", dc.Type, dc.Width, dc.Height))
				}
				fmt.Fprintf(out, "%s: %s (format: %s)\n", dev.ID, dev.Name, strings.Join(l, " "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "list all capture devices")
	return cmd
}

func printInfo(w io.Writer, c Config, dev *v4l2.Device) (rerr error) {
	if err := dev.Open(c.Device); err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil && rerr == nil {
			rerr = err
		}
	}()

	cp, f, err := dev.Probe()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "device:       %s\n", c.Device)
	fmt.Fprintf(w, "driver:       %s %s\n", cp.Driver, cp.VersionString())
	fmt.Fprintf(w, "card:         %s\n", cp.Card)
	fmt.Fprintf(w, "bus:          %s\n", cp.BusInfo)
	fmt.Fprintf(w, "capabilities: %#08x\n", cp.Capabilities)
	if cp.Capabilities&v4l2.CapDeviceCaps != 0 {
		fmt.Fprintf(w, "device caps:  %#08x\n", cp.DeviceCaps)
	}
	methods := []string{}
	for _, m := range []v4l2.IOMethod{v4l2.IORead, v4l2.IOMmap, v4l2.IOUserPtr} {
		s, _ := v4l2.NewStrategy(m)
		if cp.Has(s.Capability()) {
			methods = append(methods, m.String())
		}
	}
	fmt.Fprintf(w, "i/o methods:  %s\n", strings.Join(methods, " "))
	fmt.Fprintf(w, "format:       %s\n", f)
	return nil
}

// signalContext is canceled on interrupt or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// outDir returns the configured output directory, creating it, or a new
// temporary directory.
func outDir(c Config) (string, error) {
	if c.Out == "" {
		return capture.TempDir()
	}
	if err := os.MkdirAll(c.Out, 0o755); err != nil {
		return "", fmt.Errorf("making output dir: %v", err)
	}
	return c.Out, nil
}

func newCaptureCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "capture",
		Short: "Capture raw frames to files",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return captureFrames(ctx, c, v4l2.NewDevice(&v4l2.DeviceOpts{Verbose: c.Verbose}), cmd.OutOrStdout())
		},
	}
}

// captureFrames runs dev through its whole lifecycle, writing c.Count raw
// frames to the output directory.
func captureFrames(ctx context.Context, c Config, dev *v4l2.Device, w io.Writer) (rerr error) {
	dir, err := outDir(c)
	if err != nil {
		return err
	}
	format, err := c.format()
	if err != nil {
		return err
	}
	if err := dev.SetIOMethod(c.ioMethod()); err != nil {
		return err
	}
	dev.SetFormat(format)

	if err := dev.Open(c.Device); err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil && rerr == nil {
			rerr = err
		}
	}()
	if err := dev.Init(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %s, %s i/o, %d buffers\n", dev.Name(), dev.Format(), dev.IOMethod(), dev.BufferCount())
	if err := dev.Start(); err != nil {
		return err
	}

	meter, err := capture.NewRateMeter(30)
	if err != nil {
		return err
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	for n := 0; n < c.Count; {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := dev.Wait(timeout)
		if err != nil {
			return fmt.Errorf("waiting for frame: %w", err)
		}
		if !ok {
			return fmt.Errorf("no frame within %v", timeout)
		}
		frame, err := dev.Dequeue()
		if errors.Is(err, v4l2.ErrNoFrame) {
			continue
		}
		if err != nil {
			return err
		}
		p := filepath.Join(dir, fmt.Sprintf("frame-%05d.raw", n))
		werr := os.WriteFile(p, frame.Data, 0o644)
		if err := dev.Enqueue(frame.Index); err != nil {
			return err
		}
		if werr != nil {
			return fmt.Errorf("writing frame: %v", werr)
		}
		fps := meter.Observe(time.Now())
		if c.Verbose {
			log.Printf("frame %d, buffer %d, %d bytes, %.1f fps", frame.Sequence, frame.Index, len(frame.Data), fps)
		}
		n++
	}

	if err := dev.Stop(); err != nil {
		return err
	}
	if err := dev.Uninit(); err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote %d frames to %s\n", c.Count, dir)
	return nil
}

func newSnapshotCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Save frames as PNG images",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return snapshot(ctx, c, cmd.OutOrStdout())
		},
	}
}

func snapshot(ctx context.Context, c Config, w io.Writer) error {
	dir, err := outDir(c)
	if err != nil {
		return err
	}
	format, err := c.format()
	if err != nil {
		return err
	}
	size, err := c.size()
	if err != nil {
		return err
	}
	recorder, err := videodev.NewRecorder(videodev.RecorderOpts{
		Verbose:  c.Verbose,
		Interval: c.Interval,
		DeviceID: c.Device,
		IOMethod: c.IOMethod,
		Format:   format,
		Size:     size,
	})
	if err != nil {
		return fmt.Errorf("new videodev recorder: %w", err)
	}
	defer recorder.Close()

	for n := 0; n < c.Count; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-recorder.Events():
			if !ok {
				return fmt.Errorf("recorder stopped")
			}
			if ev.Err != nil {
				log.Printf("%s", ev.Err)
				continue
			}
			p := filepath.Join(dir, fmt.Sprintf("snapshot-%05d.png", n))
			f, err := os.Create(p)
			if err != nil {
				return err
			}
			if err := png.Encode(f, ev.Image); err != nil {
				f.Close()
				return fmt.Errorf("encoding png: %v", err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\n", p)
			n++
		}
	}
	return nil
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(v); err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func printConfig(w io.Writer, v *viper.Viper) {
	if v.ConfigFileUsed() != "" {
		fmt.Fprintf(w, "Config file: %s\n", v.ConfigFileUsed())
	} else {
		fmt.Fprintf(w, "Config file: (none - using defaults)\n")
	}
	settings := v.AllSettings()
	keys := make([]string, 0, len(settings))
	for k := range settings {
		if k != "config" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %v\n", k, settings[k])
	}
}

package cmd

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	"github.com/antmicro/usb-sie/trace"
	"github.com/antmicro/usb-sie/usb"
)

// Decode reads a recorded CBOR packet trace and prints one line per
// packet, in bus order.
type Decode struct {
	Input  string `arg:"" name:"trace" help:"Trace file written by the run command" type:"existingfile"`
	Output string `help:"Destination file (defaults to stdout)"`
}

// Run is called by Kong when the decode command is executed.
func (d *Decode) Run(logger *slog.Logger) error {
	in, err := os.Open(d.Input)
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}
	defer in.Close()

	events, err := trace.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to decode trace: %w", err)
	}
	logger.Debug("trace loaded", "events", len(events))

	out := os.Stdout
	if d.Output != "" {
		f, err := os.OpenFile(d.Output, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	for _, ev := range events {
		if _, err := fmt.Fprintln(out, formatEvent(ev)); err != nil {
			return err
		}
	}
	return nil
}

// formatEvent renders one trace event the way a protocol analyzer lists
// packets: time in bit times, direction, packet kind, then the fields
// the kind carries.
func formatEvent(ev trace.Event) string {
	dir := "D->H"
	if ev.Dir == trace.DirToDevice {
		dir = "H->D"
	}
	// Traces store the bare PID nibble, not the wire byte.
	pid := usb.PID(ev.PID & 0xF)
	switch pid.Category() {
	case usb.CategoryToken:
		if pid == usb.PIDSOF {
			if len(ev.Data) == 2 {
				return fmt.Sprintf("%10.1f %s SOF frame=%d", ev.BitTime, dir,
					binary.BigEndian.Uint16(ev.Data))
			}
		} else if len(ev.Data) == 2 {
			return fmt.Sprintf("%10.1f %s %s addr=%d ep=%d", ev.BitTime, dir, pid,
				ev.Data[0], ev.Data[1])
		}
	case usb.CategoryData:
		return fmt.Sprintf("%10.1f %s %s len=%d [% x]", ev.BitTime, dir, pid,
			len(ev.Data), ev.Data)
	case usb.CategoryHandshake:
		return fmt.Sprintf("%10.1f %s %s", ev.BitTime, dir, pid)
	}
	return fmt.Sprintf("%10.1f %s %s % x", ev.BitTime, dir, pid, ev.Data)
}

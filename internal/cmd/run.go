package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antmicro/usb-sie/host"
	"github.com/antmicro/usb-sie/internal/log"
	"github.com/antmicro/usb-sie/sie"
	"github.com/antmicro/usb-sie/sim"
	"github.com/antmicro/usb-sie/trace"
	"github.com/antmicro/usb-sie/usb"
)

// Run drives a scripted enumeration against the emulated device: bus
// reset, SET_ADDRESS, descriptor reads, SET_CONFIGURATION, then a paced
// stream of start-of-frame packets. The device side is serviced by a
// small built-in firmware reacting to the shim's interrupt flags.
type Run struct {
	Oversample    int           `help:"Line samples per bit time" default:"4" env:"USBSIE_OVERSAMPLE"`
	Address       uint8         `help:"Address assigned to the device during enumeration" default:"5"`
	Configuration uint8         `help:"Configuration selected after addressing" default:"1"`
	Frames        int           `help:"Start-of-frame packets streamed after enumeration" default:"8"`
	RegisterMap   string        `help:"YAML file overriding the default register layout" env:"USBSIE_REGISTER_MAP"`
	Trace         string        `help:"Write a CBOR packet trace to this file"`
	FramePeriod   time.Duration `help:"Wall-clock pacing of the frame stream" default:"1ms"`
	FrameJitter   time.Duration `help:"Random spread applied to each frame period" default:"0s"`
	Seed          int64         `help:"Seed for the frame clock jitter" default:"1"`
}

// Run is called by Kong when the run command is executed.
func (r *Run) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return r.Start(ctx, logger, rawLogger)
}

// Start builds the device, attaches the firmware and walks the
// enumeration sequence under ctx.
func (r *Run) Start(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	regs := sie.DefaultRegisterMap()
	if r.RegisterMap != "" {
		f, err := os.Open(r.RegisterMap)
		if err != nil {
			return fmt.Errorf("failed to open register map: %w", err)
		}
		regs, err = sie.LoadRegisterMap(f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("failed to load register map: %w", err)
		}
	}

	shim, err := sie.NewShim(regs, logger)
	if err != nil {
		return err
	}
	engine := sie.NewEngine(shim, logger)
	shim.Bind(engine)

	line := sim.NewLine()
	sess := sim.NewSession(line, engine, r.Oversample, logger)
	sess.SetRawLogger(rawLogger)

	if r.Trace != "" {
		f, err := os.OpenFile(r.Trace, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open trace file: %w", err)
		}
		defer f.Close()
		rec, err := trace.NewRecorder(f)
		if err != nil {
			return err
		}
		sess.SetRecorder(rec)
	}

	fw, err := newFirmware(shim, regs, logger)
	if err != nil {
		return err
	}

	h := host.New(line, sess, r.Oversample, logger)
	h.Poll = fw.Service

	logger.Info("bus reset")
	if err := h.BusReset(); err != nil {
		return err
	}
	if err := shim.AssertInterrupt(sie.IRQUres); err != nil {
		return err
	}

	if err := h.SetAddress(ctx, r.Address); err != nil {
		return fmt.Errorf("SET_ADDRESS failed: %w", err)
	}

	dev, err := h.GetDescriptor(ctx, usb.DescriptorTypeDevice, 0, 0, uint16(len(fw.deviceDesc)))
	if err != nil {
		return fmt.Errorf("GET_DESCRIPTOR(device) failed: %w", err)
	}
	logger.Info("device descriptor read",
		"bytes", len(dev),
		"idVendor", fmt.Sprintf("%02x%02x", dev[9], dev[8]),
		"idProduct", fmt.Sprintf("%02x%02x", dev[11], dev[10]))

	cfg, err := h.GetDescriptor(ctx, usb.DescriptorTypeConfiguration, 0, 0, uint16(len(fw.configDesc)))
	if err != nil {
		return fmt.Errorf("GET_DESCRIPTOR(configuration) failed: %w", err)
	}
	logger.Info("configuration descriptor read", "bytes", len(cfg))

	if err := h.SetConfiguration(ctx, r.Configuration); err != nil {
		return fmt.Errorf("SET_CONFIGURATION failed: %w", err)
	}
	logger.Info("device configured", "configuration", fw.Configured())

	return r.streamFrames(ctx, h, fw, logger)
}

var errFramesDone = errors.New("frame stream complete")

// streamFrames paces SOF packets with the jittered clock and lets the
// firmware acknowledge each frame interrupt.
func (r *Run) streamFrames(ctx context.Context, h *host.Host, fw *firmware, logger *slog.Logger) error {
	clk, err := sim.NewClock(r.FramePeriod, r.FrameJitter, r.FrameJitter, r.Seed)
	if err != nil {
		return err
	}
	frame := uint16(1)
	err = clk.Run(ctx, func() error {
		if int(frame) > r.Frames {
			return errFramesDone
		}
		if err := h.Sof(frame); err != nil {
			return err
		}
		if err := fw.Service(); err != nil {
			return err
		}
		frame++
		return nil
	})
	if errors.Is(err, errFramesDone) {
		logger.Info("frame stream finished", "frames", r.Frames)
		return nil
	}
	return err
}

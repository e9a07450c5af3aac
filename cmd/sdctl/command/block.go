// Package command implements sdctl's block-device subcommands, wiring
// a real sdspi.Device through one of the transport/* backends selected
// by config.
package command

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	gobotspidrv "gobot.io/x/gobot/v2/drivers/spi"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"

	"github.com/mklimuk/sdctl/cmd/sdctl/config"
	"github.com/mklimuk/sdctl/cmd/sdctl/console"
	"github.com/mklimuk/sdctl/sdspi"
	"github.com/mklimuk/sdctl/transport/gobotspi"
	"github.com/mklimuk/sdctl/transport/gpiodcs"
	"github.com/mklimuk/sdctl/transport/mcp23017cs"
	"github.com/mklimuk/sdctl/transport/mcp2221cs"
	"github.com/mklimuk/sdctl/transport/periphi2c"
	"github.com/mklimuk/sdctl/transport/periphspi"
)

func loadConfig(c *cli.Context) (config.Config, error) {
	return config.Load(c.String("config"))
}

func openChipSelect(cfg config.ChipSelectConfig) (sdspi.ChipSelect, error) {
	switch cfg.Backend {
	case config.BackendGPIOD, "":
		return gpiodcs.NewChipSelect(cfg.Chip, cfg.Line)
	case config.BackendMCP23017:
		bus, err := periphi2c.NewBus(cfg.I2CDevice)
		if err != nil {
			return nil, err
		}
		addr := cfg.Address
		if addr == 0 {
			addr = mcp23017cs.DefaultAddress
		}
		return mcp23017cs.NewChipSelect(bus, addr, cfg.Pin)
	case config.BackendMCP2221:
		return mcp2221cs.NewChipSelect(cfg.GPIOLine)
	default:
		return nil, fmt.Errorf("unknown chip-select backend %q", cfg.Backend)
	}
}

// openTransport selects the sdspi.Transceiver/sdspi.Clock pair per
// cfg.Transport. "periph" opens a Linux spidev device directly;
// "gobot" goes through a gobot SPI driver on a NanoPi NEO adaptor, with
// clock control disabled since that adaptor fixes its rate at
// construction.
func openTransport(cfg config.Config) (sdspi.Transceiver, sdspi.Clock, error) {
	switch cfg.Transport {
	case "gobot":
		adaptor := nanopi.NewNeoAdaptor()
		drv := gobotspidrv.NewDriver(adaptor, cfg.Device)
		bus, err := gobotspi.NewFromDriver(drv)
		if err != nil {
			return nil, nil, fmt.Errorf("could not open gobot spi transport: %w", err)
		}
		return bus, gobotspi.NopClock{}, nil
	case "periph", "":
		bus, err := periphspi.NewBus(cfg.Device, cfg.InitClockHz)
		if err != nil {
			return nil, nil, fmt.Errorf("could not open periph spi transport: %w", err)
		}
		return bus, bus, nil
	default:
		return nil, nil, fmt.Errorf("unknown spi transport %q", cfg.Transport)
	}
}

// openDevice wires a transport/*spi transceiver and a chip-select
// backend per cfg into a ready-to-Init sdspi.Device.
func openDevice(c *cli.Context, cfg config.Config) (*sdspi.Device, error) {
	bus, clock, err := openTransport(cfg)
	if err != nil {
		return nil, err
	}
	cs, err := openChipSelect(cfg.ChipSelect)
	if err != nil {
		return nil, fmt.Errorf("could not open chip-select backend: %w", err)
	}
	dev := sdspi.New(bus, cs, clock,
		sdspi.WithInitClockHz(cfg.InitClockHz),
		sdspi.WithTransferClockHz(cfg.TransferClockHz),
		sdspi.WithDebug(c.Bool("debug")),
	)
	return dev, nil
}

var configFlag = &cli.StringFlag{Name: "config", Usage: "path to sdctl YAML config file"}

var BlockInfoCmd = &cli.Command{
	Name:  "info",
	Usage: "initialize the card and print its geometry",
	Flags: []cli.Flag{configFlag},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "%s", err)
		}
		dev, err := openDevice(c, cfg)
		if err != nil {
			return console.Exit(1, "%s", err)
		}
		ctx := context.Background()
		if err := dev.Init(ctx); err != nil {
			return console.Exit(1, "init failed: %s", err)
		}
		defer dev.Deinit(ctx)

		console.PInfof(console.PictoDisk, "card type: %s", dev.CardType())
		console.Printf("size:         %d bytes\n", dev.Size())
		console.Printf("erase size:   %d bytes\n", dev.GetEraseSize())
		console.Printf("read size:    %d bytes\n", dev.GetReadSize())
		console.Printf("program size: %d bytes\n", dev.GetProgramSize())
		return nil
	},
}

var BlockReadCmd = &cli.Command{
	Name:  "read",
	Usage: "read a range of the card into a file",
	Flags: []cli.Flag{
		configFlag,
		&cli.Uint64Flag{Name: "addr", Usage: "byte address to read from", Required: true},
		&cli.Uint64Flag{Name: "size", Usage: "number of bytes to read", Required: true},
		&cli.StringFlag{Name: "out", Usage: "output file path", Required: true},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "%s", err)
		}
		dev, err := openDevice(c, cfg)
		if err != nil {
			return console.Exit(1, "%s", err)
		}
		ctx := context.Background()
		if err := dev.Init(ctx); err != nil {
			return console.Exit(1, "init failed: %s", err)
		}
		defer dev.Deinit(ctx)

		size := c.Uint64("size")
		buf := make([]byte, size)
		if err := dev.Read(ctx, buf, c.Uint64("addr"), size); err != nil {
			return console.Exit(1, "read failed: %s", err)
		}
		if err := os.WriteFile(c.String("out"), buf, 0o644); err != nil {
			return console.Exit(1, "could not write output file: %s", err)
		}
		console.PInfof(console.PictoFinish, "wrote %d bytes to %s", size, c.String("out"))
		return nil
	},
}

var BlockProgramCmd = &cli.Command{
	Name:  "program",
	Usage: "program a range of the card from a file",
	Flags: []cli.Flag{
		configFlag,
		&cli.Uint64Flag{Name: "addr", Usage: "byte address to program at", Required: true},
		&cli.StringFlag{Name: "in", Usage: "input file path", Required: true},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "%s", err)
		}
		dev, err := openDevice(c, cfg)
		if err != nil {
			return console.Exit(1, "%s", err)
		}
		ctx := context.Background()
		if err := dev.Init(ctx); err != nil {
			return console.Exit(1, "init failed: %s", err)
		}
		defer dev.Deinit(ctx)

		buf, err := os.ReadFile(c.String("in"))
		if err != nil {
			return console.Exit(1, "could not read input file: %s", err)
		}
		if err := dev.Program(ctx, buf, c.Uint64("addr"), uint64(len(buf))); err != nil {
			return console.Exit(1, "program failed: %s", err)
		}
		console.PInfof(console.PictoFinish, "programmed %d bytes from %s", len(buf), c.String("in"))
		return nil
	},
}

func confirmDestructive(c *cli.Context, op string) error {
	if c.Bool("yes") {
		return nil
	}
	answer, err := console.YesOrNo(fmt.Sprintf("really %s this range?", op))
	if err != nil {
		return err
	}
	if answer != console.Yes {
		return console.Exit(0, "aborted")
	}
	return nil
}

var BlockEraseCmd = &cli.Command{
	Name:  "erase",
	Usage: "erase a range of the card",
	Flags: []cli.Flag{
		configFlag,
		&cli.Uint64Flag{Name: "addr", Usage: "byte address to erase from", Required: true},
		&cli.Uint64Flag{Name: "size", Usage: "number of bytes to erase", Required: true},
		&cli.BoolFlag{Name: "yes", Usage: "skip the confirmation prompt"},
	},
	Action: func(c *cli.Context) error {
		if err := confirmDestructive(c, "erase"); err != nil {
			return err
		}
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "%s", err)
		}
		dev, err := openDevice(c, cfg)
		if err != nil {
			return console.Exit(1, "%s", err)
		}
		ctx := context.Background()
		if err := dev.Init(ctx); err != nil {
			return console.Exit(1, "init failed: %s", err)
		}
		defer dev.Deinit(ctx)

		if err := dev.Erase(ctx, c.Uint64("addr"), c.Uint64("size")); err != nil {
			return console.Exit(1, "erase failed: %s", err)
		}
		console.PInfof(console.PictoFinish, "erased %d bytes", c.Uint64("size"))
		return nil
	},
}

var BlockTrimCmd = &cli.Command{
	Name:  "trim",
	Usage: "trim a range of the card",
	Flags: []cli.Flag{
		configFlag,
		&cli.Uint64Flag{Name: "addr", Usage: "byte address to trim from", Required: true},
		&cli.Uint64Flag{Name: "size", Usage: "number of bytes to trim", Required: true},
		&cli.BoolFlag{Name: "yes", Usage: "skip the confirmation prompt"},
	},
	Action: func(c *cli.Context) error {
		if err := confirmDestructive(c, "trim"); err != nil {
			return err
		}
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "%s", err)
		}
		dev, err := openDevice(c, cfg)
		if err != nil {
			return console.Exit(1, "%s", err)
		}
		ctx := context.Background()
		if err := dev.Init(ctx); err != nil {
			return console.Exit(1, "init failed: %s", err)
		}
		defer dev.Deinit(ctx)

		if err := dev.Trim(ctx, c.Uint64("addr"), c.Uint64("size")); err != nil {
			return console.Exit(1, "trim failed: %s", err)
		}
		console.PInfof(console.PictoFinish, "trimmed %d bytes", c.Uint64("size"))
		return nil
	},
}

var BlockFreqCmd = &cli.Command{
	Name:  "freq",
	Usage: "change the card's post-init SPI clock rate",
	Flags: []cli.Flag{
		configFlag,
		&cli.Uint64Flag{Name: "hz", Usage: "clock rate in Hz", Required: true},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "%s", err)
		}
		dev, err := openDevice(c, cfg)
		if err != nil {
			return console.Exit(1, "%s", err)
		}
		ctx := context.Background()
		if err := dev.Init(ctx); err != nil {
			return console.Exit(1, "init failed: %s", err)
		}
		defer dev.Deinit(ctx)

		if err := dev.Frequency(uint32(c.Uint64("hz"))); err != nil {
			return console.Exit(1, "%s", err)
		}
		console.Info("clock rate updated")
		return nil
	},
}

// Commands is the flat list of block-device subcommands main.go
// registers directly on the sdctl app: sdctl info / read / program /
// erase / trim / freq, one top-level command per operation.
var Commands = []*cli.Command{
	BlockInfoCmd,
	BlockReadCmd,
	BlockProgramCmd,
	BlockEraseCmd,
	BlockTrimCmd,
	BlockFreqCmd,
}

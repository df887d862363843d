// cmd/mxt-app/main.go
// Command-line tool for Atmel maXTouch touchscreen controllers:
// flash a firmware image, or query the chip identity.

package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/jal2/mxt-app/internal/bootloader"
	"github.com/jal2/mxt-app/internal/config"
	"github.com/jal2/mxt-app/internal/device"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: mxt-app COMMAND [OPTIONS]

Commands:
  flash FILE    flash a firmware image
  info          print the chip info block

Options:
  -d, --device i2c-dev:ADAPTER:ADDRESS   pin the chip on an i2c bus
      --firmware-version VERSION         expected version after flashing
  -v, --verbose                          more logging (repeatable)
`)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return 1
	}

	switch args[0] {
	case "flash":
		return flashCmd(args[1:])
	case "info":
		return infoCmd(args[1:])
	case "-h", "--help", "help":
		usage()
		return 0
	default:
		log.Errorf("unknown command %q", args[0])
		usage()
		return 1
	}
}

func flashCmd(args []string) int {
	fs := pflag.NewFlagSet("flash", pflag.ExitOnError)
	deviceSpec := fs.StringP("device", "d", "", "transport, e.g. i2c-dev:1:0x4a")
	newVersion := fs.String("firmware-version", "", "expected firmware version after flashing")
	verbose := fs.CountP("verbose", "v", "more logging")
	fs.Parse(args)

	if fs.NArg() != 1 {
		usage()
		return 1
	}

	cfg := setup(*verbose)

	dev, adapter, address, err := openDevice(*deviceSpec, cfg)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	defer dev.Close()

	err = bootloader.Flash(dev, bootloader.Config{
		Path:       fs.Arg(0),
		NewVersion: *newVersion,
		Adapter:    adapter,
		Address:    address,
	})
	if err != nil {
		if errors.Is(err, bootloader.ErrAlreadyAtVersion) {
			log.Infof("Version already %s, exiting", *newVersion)
			return 1
		}
		log.Errorf("FAILURE - %v", err)
		return 1
	}

	return 0
}

func infoCmd(args []string) int {
	fs := pflag.NewFlagSet("info", pflag.ExitOnError)
	deviceSpec := fs.StringP("device", "d", "", "transport, e.g. i2c-dev:1:0x4a")
	verbose := fs.CountP("verbose", "v", "more logging")
	fs.Parse(args)

	cfg := setup(*verbose)

	dev, _, _, err := openDevice(*deviceSpec, cfg)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	defer dev.Close()

	info, err := dev.GetInfo()
	if err != nil {
		log.Errorf("could not read info block: %v", err)
		return 1
	}

	fmt.Printf("Family ID:        0x%02X\n", info.FamilyID)
	fmt.Printf("Variant ID:       0x%02X\n", info.VariantID)
	fmt.Printf("Firmware version: %s\n", info.FirmwareVersion())
	fmt.Printf("Matrix size:      %dx%d\n", info.MatrixX, info.MatrixY)
	fmt.Printf("Objects:          %d\n", info.NumObjects)
	return 0
}

// setup loads the env config and configures logging from it plus the
// -v count.
func setup(verbose int) *config.ToolConfig {
	cfg, _ := config.Load()

	log.SetReportTimestamp(false)

	switch {
	case verbose >= 2:
		log.SetLevel(log.DebugLevel)
	case verbose == 1 || strings.EqualFold(cfg.LogLevel, "debug"):
		log.SetLevel(log.DebugLevel)
	case strings.EqualFold(cfg.LogLevel, "warn"):
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	return cfg
}

// openDevice resolves the -d flag (or the env defaults, or full
// discovery) into an open transport. For explicit i2c specs the
// adapter/address pair is also handed to the flash driver so it can do
// its own application/bootloader address switching.
func openDevice(spec string, cfg *config.ToolConfig) (device.Device, int, int, error) {
	if spec == "" && cfg.I2CAdapter >= 0 && cfg.I2CAddress > 0 {
		spec = fmt.Sprintf("i2c-dev:%d:0x%02x", cfg.I2CAdapter, cfg.I2CAddress)
	}

	if spec == "" {
		dev, err := device.Open()
		return dev, -1, 0, err
	}

	switch {
	case strings.HasPrefix(spec, "i2c-dev:"):
		adapter, address, err := parseI2CSpec(strings.TrimPrefix(spec, "i2c-dev:"))
		if err != nil {
			return nil, 0, 0, err
		}

		dev, err := device.OpenI2C(adapter, address)
		if err != nil {
			return nil, 0, 0, err
		}

		attachChg(dev, cfg)
		return dev, adapter, address, nil

	case spec == "sysfs":
		dev, err := device.OpenSysfs()
		if err != nil {
			return nil, 0, 0, err
		}
		attachChg(&dev.I2CDevice, cfg)
		return dev, -1, 0, nil

	case spec == "usb":
		dev, err := device.OpenUSB()
		return dev, -1, 0, err

	default:
		return nil, 0, 0, fmt.Errorf("unrecognized device spec %q", spec)
	}
}

func attachChg(dev *device.I2CDevice, cfg *config.ToolConfig) {
	if cfg.ChgChip == "" || cfg.ChgLine < 0 {
		return
	}
	chg, err := device.OpenChg(cfg.ChgChip, cfg.ChgLine)
	if err != nil {
		log.Warnf("CHG line unavailable: %v", err)
		return
	}
	dev.AttachChg(chg)
}

func parseI2CSpec(spec string) (int, int, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad i2c device spec %q, want ADAPTER:ADDRESS", spec)
	}

	adapter, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad i2c adapter %q: %w", parts[0], err)
	}

	address, err := strconv.ParseInt(strings.TrimPrefix(parts[1], "0x"), 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad i2c address %q: %w", parts[1], err)
	}

	return adapter, int(address), nil
}

// Command serialflash identifies, reads, writes and erases SPI NOR
// flash chips over a spidev node, a serial SPI bridge or a simulated
// chip.
//
// Usage:
//
//	serialflash [flags] id
//	serialflash [flags] uid
//	serialflash [flags] read <address> <length> <file>
//	serialflash [flags] write <address> <file>
//	serialflash [flags] erase <address> <length>
//	serialflash [flags] erase-all
//	serialflash [flags] plan <address> <length>
//	serialflash [flags] unlock
//
// Addresses and lengths accept decimal or 0x-prefixed hex.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/dvreeland/serialflash/serialflash"
	"github.com/dvreeland/serialflash/transport"
	"github.com/dvreeland/serialflash/transport/flashsim"
	"github.com/dvreeland/serialflash/transport/serialbridge"
	"github.com/dvreeland/serialflash/transport/spidev"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel)

	if err := run(cfg, pflag.Args()); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

type closer interface{ Close() error }

func openTransport(cfg *Config) (transport.Transport, error) {
	switch cfg.Transport {
	case "spidev":
		return spidev.Open(cfg.SpidevPath)
	case "bridge":
		return serialbridge.Open(serialbridge.Config{Port: cfg.BridgePort, Baud: cfg.BridgeBaud})
	case "sim":
		prof, err := simProfile(cfg.SimProfile)
		if err != nil {
			return nil, err
		}
		if cfg.SimFile != "" {
			return flashsim.Open(prof, cfg.SimFile)
		}
		return flashsim.New(prof)
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func simProfile(name string) (flashsim.Profile, error) {
	switch strings.ToLower(name) {
	case "en25q32":
		return flashsim.EN25Q32(), nil
	case "w25q32":
		return flashsim.W25Q32(), nil
	case "sst25vf032":
		return flashsim.SST25VF032(), nil
	case "sst25vf512a":
		return flashsim.SST25VF512A(), nil
	}
	return flashsim.Profile{}, fmt.Errorf("unknown simulator profile %q", name)
}

func run(cfg *Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("no command given (id, uid, read, write, erase, erase-all, plan, unlock)")
	}

	spi, err := openTransport(cfg)
	if err != nil {
		return err
	}
	if c, ok := spi.(closer); ok {
		defer c.Close()
	}

	var opts []serialflash.IdentifyOption
	if cfg.Frequency > 0 {
		opts = append(opts, serialflash.WithFrequency(cfg.Frequency))
	}
	if cfg.LegacyID {
		opts = append(opts, serialflash.WithLegacyReadID())
	}
	if cfg.Descriptors != "" {
		extra, err := serialflash.LoadDescriptors(cfg.Descriptors)
		if err != nil {
			return err
		}
		opts = append(opts, serialflash.WithDescriptors(extra...))
	}

	dev, err := serialflash.Identify(spi, opts...)
	if err != nil {
		return err
	}
	dev.LogFunc = func(format string, params ...any) {
		slog.Info(fmt.Sprintf(format, params...))
	}
	slog.Debug("identified device", "device", dev.String(), "jedec", dev.JedecID().String())

	switch cmd, args := args[0], args[1:]; cmd {
	case "id":
		fmt.Printf("%s (JEDEC %s, %d bytes)\n", dev, dev.JedecID(), dev.Len())
		return nil

	case "uid":
		uid, err := dev.UniqueID()
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(uid))
		return nil

	case "read":
		addr, length, err := parseRegion(args, 3)
		if err != nil {
			return err
		}
		data, err := dev.Read(addr, int(length))
		if err != nil {
			return err
		}
		return writeOutput(args[2], data)

	case "write":
		if len(args) != 2 {
			return fmt.Errorf("usage: write <address> <file>")
		}
		addr, err := parseNumber(args[0])
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		return dev.Write(addr, data)

	case "erase":
		addr, length, err := parseRegion(args, 2)
		if err != nil {
			return err
		}
		return dev.Erase(addr, length, cfg.Verify)

	case "erase-all":
		return dev.Erase(0, -1, cfg.Verify)

	case "plan":
		addr, length, err := parseRegion(args, 2)
		if err != nil {
			return err
		}
		plan, err := dev.ErasePlan(addr, length)
		if err != nil {
			return err
		}
		for _, b := range plan {
			fmt.Printf("%#08x %7d %s (opcode %#02x)\n", b.Address, b.Size, b.Kind, b.Opcode)
		}
		return nil

	case "unlock":
		return dev.Unlock()
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func parseNumber(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

func parseRegion(args []string, want int) (addr, length int64, err error) {
	if len(args) != want {
		return 0, 0, fmt.Errorf("expected <address> <length> arguments")
	}
	if addr, err = parseNumber(args[0]); err != nil {
		return 0, 0, err
	}
	if length, err = parseNumber(args[1]); err != nil {
		return 0, 0, err
	}
	return addr, length, nil
}

func writeOutput(path string, data []byte) error {
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	_, err := w.Write(data)
	return err
}

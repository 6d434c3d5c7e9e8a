package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/kriansa/ventoy-writer/internal/config"
	"github.com/kriansa/ventoy-writer/internal/version"
)

func main() {
	cmd := &cli.Command{
		Name:  "ventoy-writer",
		Usage: "Install Ventoy on USB sticks and copy ISO images onto them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file path",
				Value:   config.DefaultConfigPath,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
			&cli.StringFlag{
				Name:    "backend",
				Aliases: []string{"b"},
				Usage:   "Device backend: lsblk, udisks or ghw",
			},
			&cli.StringFlag{
				Name:    "elevator",
				Aliases: []string{"e"},
				Usage:   "How to gain root: pkexec, sudo or none",
			},
			&cli.BoolFlag{
				Name:    "version",
				Aliases: []string{"V"},
				Usage:   "Print version information",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Bool("version") {
				fmt.Println(version.String())
				return nil
			}
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List attached USB devices",
				Flags:  []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "Print JSON"}},
				Action: withApp(listDevices),
			},
			{
				Name:      "info",
				Usage:     "Show the Ventoy partitions of a device",
				ArgsUsage: "<device>",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "Print JSON"}},
				Action:    withApp(showInfo),
			},
			{
				Name:      "locate",
				Usage:     "Print the partition images are copied to",
				ArgsUsage: "<device>",
				Action:    withApp(locate),
			},
			{
				Name:      "install",
				Usage:     "Erase a device and install Ventoy on it",
				ArgsUsage: "<device>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Do not ask for confirmation"},
					&cli.BoolFlag{Name: "latest", Usage: "Install the latest release from GitHub"},
				},
				Action: withApp(install),
			},
			{
				Name:      "write",
				Usage:     "Copy images onto the Ventoy partition of a device",
				ArgsUsage: "<device> <image>...",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "install", Usage: "Install Ventoy first when the device has none"},
					&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Do not ask for confirmation"},
					&cli.BoolFlag{Name: "latest", Usage: "Install the latest release from GitHub"},
				},
				Action: withApp(write),
			},
			{
				Name:      "images",
				Usage:     "Check and describe images without copying them",
				ArgsUsage: "<image>...",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "Print JSON"}},
				Action:    withApp(inspectImages),
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Run(ctx, os.Args)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/kriansa/ventoy-writer/internal/blockdev"
	"github.com/kriansa/ventoy-writer/internal/log"
	"github.com/kriansa/ventoy-writer/internal/size"
	"github.com/kriansa/ventoy-writer/internal/source"
	"github.com/kriansa/ventoy-writer/internal/validation"
	"github.com/kriansa/ventoy-writer/internal/ventoy"
	"github.com/kriansa/ventoy-writer/internal/workflow"
)

// deviceRow is a listed device together with its Ventoy state
type deviceRow struct {
	blockdev.BlockDevice
	Ventoy bool `json:"ventoy"`
}

func listDevices(ctx context.Context, cmd *cli.Command, a *app) error {
	var rows []deviceRow
	for _, d := range a.devices.List(ctx) {
		rows = append(rows, deviceRow{BlockDevice: d, Ventoy: a.locator.HasVentoy(ctx, d.Path)})
	}

	if cmd.Bool("json") {
		return printJSON(os.Stdout, rows)
	}
	printDevices(os.Stdout, rows)
	return nil
}

func printDevices(w io.Writer, rows []deviceRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No USB devices found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tSIZE\tMODEL\tVENDOR\tVENTOY")
	for _, r := range rows {
		sizeStr := r.SizeStr
		if r.Size > 0 {
			sizeStr = size.Format(r.Size)
		}
		state := "no"
		if r.Ventoy {
			state = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Path, sizeStr, r.Model, r.Vendor, state)
	}
	tw.Flush()
}

func showInfo(ctx context.Context, cmd *cli.Command, a *app) error {
	device, err := deviceArg(cmd)
	if err != nil {
		return err
	}

	info, err := a.locator.Info(ctx, device)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return printJSON(os.Stdout, info)
	}
	printInfo(os.Stdout, info)
	return nil
}

func printInfo(w io.Writer, info *ventoy.Info) {
	if !info.Installed {
		fmt.Fprintf(w, "%s: Ventoy is not installed\n", info.Device)
		return
	}

	fmt.Fprintf(w, "%s: Ventoy installed\n", info.Device)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PARTITION\tSIZE\tLABEL")
	for _, p := range info.Partitions {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Path(), p.Size, p.Label)
	}
	tw.Flush()
}

func locate(ctx context.Context, cmd *cli.Command, a *app) error {
	device, err := deviceArg(cmd)
	if err != nil {
		return err
	}

	partition, err := a.locator.FindTargetPartition(ctx, device)
	if err != nil {
		return err
	}
	fmt.Println(partition)
	return nil
}

func install(ctx context.Context, cmd *cli.Command, a *app) error {
	device, err := deviceArg(cmd)
	if err != nil {
		return err
	}

	runner, err := a.workflow(ctx)
	if err != nil {
		return err
	}
	return runInstall(ctx, cmd, runner, device)
}

func runInstall(ctx context.Context, cmd *cli.Command, runner *workflow.Runner, device string) error {
	if !cmd.Bool("yes") {
		ok, err := confirm(os.Stdin, os.Stdout, device)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("installation aborted")
		}
	}

	return run(ctx, runner, runner.InstallVentoy(device), "Installing Ventoy")
}

func write(ctx context.Context, cmd *cli.Command, a *app) error {
	if cmd.Args().Len() < 2 {
		return fmt.Errorf("%w: expected <device> <image>...", errUsage)
	}
	device := cmd.Args().First()
	if err := validation.ValidateDevicePath(device); err != nil {
		return err
	}
	images := cmd.Args().Tail()

	runner, err := a.workflow(ctx)
	if err != nil {
		return err
	}

	if cmd.Bool("install") && !a.locator.HasVentoy(ctx, device) {
		log.Info("ventoy not found on device, installing", "device", device)
		if err := runInstall(ctx, cmd, runner, device); err != nil {
			return err
		}
	}

	return run(ctx, runner, runner.WriteImages(device, images), "Copying images")
}

func inspectImages(ctx context.Context, cmd *cli.Command, a *app) error {
	if cmd.Args().Len() == 0 {
		return fmt.Errorf("%w: expected <image>...", errUsage)
	}
	locations := cmd.Args().Slice()

	if err := a.images.Validate(ctx, locations); err != nil {
		return err
	}

	var details []*source.Details
	var total int64
	for _, location := range locations {
		d, err := a.images.Inspect(ctx, location)
		if err != nil {
			return err
		}
		details = append(details, d)
		total += d.Size
	}

	if cmd.Bool("json") {
		return printJSON(os.Stdout, details)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IMAGE\tSIZE\tLABEL\tBOOTABLE")
	for _, d := range details {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", d.Name, d.SizeStr, d.Label, d.Bootable)
	}
	tw.Flush()
	fmt.Printf("%d image(s), %s in total\n", len(details), humanize.IBytes(uint64(total)))
	return nil
}

// confirm asks before a device gets erased. Only "yes" proceeds.
func confirm(in io.Reader, out io.Writer, device string) (bool, error) {
	fmt.Fprintf(out, "All data on %s will be destroyed. Type 'yes' to continue: ", device)

	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	return strings.EqualFold(strings.TrimSpace(answer), "yes"), nil
}

// run renders the events of op and turns a failure into its user message
func run(ctx context.Context, runner *workflow.Runner, op workflow.Operation, description string) error {
	bar := newBarReporter(os.Stderr, description)
	if err := runner.Run(ctx, op, bar); err != nil {
		return fmt.Errorf("%s: %w", workflow.Describe(err), err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

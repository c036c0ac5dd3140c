package cmd

import (
	"fmt"
	"os"

	"dxecore/cmd/dxesim/sim"
	"dxecore/core"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type runOptions struct {
	handoffPath  string
	volumePaths  []string
	volumeBase   uint64
	addressWidth uint8
	verbose      bool
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	c := &cobra.Command{
		Use:   "run",
		Short: "Decode a hand-off descriptor list, dispatch firmware volume drivers, and report the resulting boot state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(opts)
		},
	}

	c.Flags().StringVar(&opts.handoffPath, "handoff", "", "path to the raw hand-off descriptor list")
	c.Flags().StringArrayVar(&opts.volumePaths, "fv", nil, "path to a firmware volume image (repeatable)")
	c.Flags().Uint64Var(&opts.volumeBase, "fv-base", 0x1000000, "load address assigned to the first --fv, incrementing by its length for each subsequent one")
	c.Flags().Uint8Var(&opts.addressWidth, "address-width", 48, "simulated physical address space width, in bits")
	c.Flags().BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
	c.MarkFlagRequired("handoff")

	return c
}

func runSimulation(opts *runOptions) error {
	log := logrus.New()
	if opts.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	handoff, err := os.ReadFile(opts.handoffPath)
	if err != nil {
		return fmt.Errorf("reading hand-off descriptor list: %w", err)
	}

	var volumes []sim.FirmwareVolumeInput
	base := opts.volumeBase
	for _, p := range opts.volumePaths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading firmware volume %q: %w", p, err)
		}
		volumes = append(volumes, sim.FirmwareVolumeInput{Base: base, Data: data})
		base += uint64(len(data))
	}

	res, err := sim.Run(sim.Config{
		HandoffData:     handoff,
		Volumes:         volumes,
		GCDAddressWidth: opts.addressWidth,
		Log:             log,
	})
	if err != nil {
		return err
	}

	printReport(res)
	return nil
}

func printReport(res *sim.Result) {
	fmt.Printf("dispatched %d driver image(s)\n", len(res.DispatchedImages))

	entries, mapKey := res.Allocator.GetMemoryMap()
	fmt.Printf("\nmemory map (key %#x, %d entries):\n", mapKey, len(entries))
	for _, e := range entries {
		end := e.PhysicalStart + e.NumberOfPages*core.PageSize
		fmt.Printf("  [%#012x, %#012x) type=%-24s pages=%-8d attr=%#x\n",
			e.PhysicalStart, end, e.Type, e.NumberOfPages, e.Attribute)
	}

	fmt.Printf("\nboot performance table: %d record(s), %d bytes encoded\n",
		len(res.Perf.Records()), res.Perf.Size())
}

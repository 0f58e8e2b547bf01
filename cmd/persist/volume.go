package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/KevoDB/persist/pkg/layout"
)

func blockBytes(blocks uint64) string {
	return humanize.IBytes(blocks * layout.PhysicalBlockSize)
}

func (a *app) formatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "format",
		Short: "Create and format a LUN file",
		Long: `format creates the --file LUN at the size the configured layout requires
and writes a fresh db header. An existing file is only replaced with --force.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.v.GetString("file")
			if path == "" {
				return errFileRequired
			}
			if _, err := os.Stat(path); err == nil {
				if !a.v.GetBool("force") {
					return fmt.Errorf("%s already exists, use --force to replace it", path)
				}
				if err := os.Remove(path); err != nil {
					return fmt.Errorf("failed to remove %s: %w", path, err)
				}
			}

			sess, err := a.openSession(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			blocks := sess.svc.RequiredLUNSize()
			if err := sess.Close(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Formatted %s as lun 0x%x: %d blocks (%s)\n",
				path, sess.lun, blocks, blockBytes(blocks))
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "replace an existing file")
	return cmd
}

func (a *app) layoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "layout",
		Short: "Print the volume layout of the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			geo, err := cfg.Geometry()
			if err != nil {
				return err
			}
			l, err := layout.New(geo)
			if err != nil {
				return err
			}
			printLayout(cmd.OutOrStdout(), l, a.v.GetUint32("lun"))
			return nil
		},
	}
}

func printLayout(w io.Writer, l *layout.Layout, lun uint32) {
	info := l.Info(lun)
	sectors := layout.Sectors()
	first, _ := l.SectorStart(sectors[0])

	fmt.Fprintf(w, "LUN:             0x%x\n", info.LUNObjectID)
	fmt.Fprintf(w, "Fingerprint:     0x%016x\n", info.Fingerprint)
	fmt.Fprintf(w, "Entry capacity:  %s (%d blocks per entry)\n",
		humanize.IBytes(uint64(l.EntryCapacity())), l.BlocksPerEntry())
	fmt.Fprintf(w, "Transaction:     %d entries\n", l.MaxTransactionEntries())
	fmt.Fprintf(w, "Required size:   %d blocks (%s)\n\n", l.RequiredBlocks(), blockBytes(l.RequiredBlocks()))

	fmt.Fprintf(w, "%-22s %12s %10s %12s\n", "REGION", "START LBA", "ENTRIES", "SIZE")
	fmt.Fprintf(w, "%-22s %12d %10s %12s\n", "header", info.HeaderLBA, "-", blockBytes(1))
	fmt.Fprintf(w, "%-22s %12d %10d %12s\n", "journal", info.JournalStartLBA,
		(first-info.JournalStartLBA)/l.BlocksPerEntry(), blockBytes(first-info.JournalStartLBA))
	for _, t := range sectors {
		start, _ := l.SectorStart(t)
		entries := uint64(l.SectorEntries(t))
		fmt.Fprintf(w, "%-22s %12d %10d %12s\n", t, start, entries, blockBytes(entries*l.BlocksPerEntry()))
	}
}

// printInfo prints the layout reported by a bound service.
func printInfo(w io.Writer, info layout.Info) {
	fmt.Fprintf(w, "LUN:                   0x%x\n", info.LUNObjectID)
	fmt.Fprintf(w, "Header LBA:            %d\n", info.HeaderLBA)
	fmt.Fprintf(w, "Journal:               %d\n", info.JournalStartLBA)
	fmt.Fprintf(w, "SEP objects:           %d\n", info.SEPObjectsStartLBA)
	fmt.Fprintf(w, "SEP edges:             %d\n", info.SEPEdgesStartLBA)
	fmt.Fprintf(w, "SEP admin conversion:  %d\n", info.SEPAdminConversionStartLBA)
	fmt.Fprintf(w, "ESP objects:           %d\n", info.ESPObjectsStartLBA)
	fmt.Fprintf(w, "System global data:    %d\n", info.SystemDataStartLBA)
	fmt.Fprintf(w, "Scratch pad:           %d\n", info.ScratchPadStartLBA)
	fmt.Fprintf(w, "DIEH record:           %d\n", info.DIEHRecordStartLBA)
	fmt.Fprintf(w, "Total:                 %d blocks (%s)\n", info.TotalBlocks, blockBytes(info.TotalBlocks))
}

// Command mfschunkdbdump prints a chunkdb dump file in a human-readable
// table, accepting every recognised mode variant (spec §6).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mfscore/mfsmaster/internal/chunkdb"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mfschunkdbdump <file>",
		Short: "Dump a chunkdb file to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dump(args[0], cmd.OutOrStdout())
		},
	}
	return cmd
}

func dump(path string, out interface{ Write([]byte) (int, error) }) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("mfschunkdbdump: %w", err)
	}
	defer f.Close()

	hdr, recs, err := chunkdb.ReadAll(f)
	if err != nil {
		return fmt.Errorf("mfschunkdbdump: %w", err)
	}

	fmt.Fprintf(out, "mode: %c  path: %q  records: %d\n", hdr.Mode, hdr.Path, len(recs))
	for _, r := range recs {
		fmt.Fprintf(out, "chunkid=%d version=%d blocks=%d pathid=%d", r.ChunkID, r.Version, r.Blocks, r.PathID)
		if r.HdrSize != 0 {
			fmt.Fprintf(out, " hdrsize=%d", r.HdrSize)
		}
		if hdr.Mode == chunkdb.Mode3 || hdr.Mode == chunkdb.Mode4 {
			fmt.Fprintf(out, " tested=%d", r.Tested)
		}
		if hdr.Mode == chunkdb.Mode4 {
			fmt.Fprintf(out, " diskusage=%d", r.DiskUsage)
		}
		fmt.Fprintln(out)
	}
	return nil
}

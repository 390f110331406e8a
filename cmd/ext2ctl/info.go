package main

import (
	"github.com/spf13/cobra"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <image>",
		Short: "Report geometry and free space",
		Long: `The info command mounts an image read-only and reports its geometry,
free block and inode counts and directory total.

Example:
  ext2ctl info disk.img
  ext2ctl info disk.img.xz --yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd, args)
		},
	}
}

func runInfo(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	im, err := openImage(ctx, args[0], true)
	if err != nil {
		return err
	}
	defer closeImage(ctx, im, &err)

	st := im.Stats()
	if ok, err := structured(st); ok {
		return err
	}

	p := numbers()
	pct := func(free, total uint32) float64 {
		if total == 0 {
			return 0
		}
		return 100 * float64(free) / float64(total)
	}
	printInfo("\nImage Information:\n")
	printInfo("  File: %s\n", st.Path)
	if st.Compression != "none" {
		printInfo("  Compression: %s\n", st.Compression)
	}
	if st.Label != "" {
		printInfo("  Label: %s\n", st.Label)
	}
	printInfo("  UUID: %s\n", st.UUID)
	printInfo("  State: %s\n", map[bool]string{true: "clean", false: "not clean"}[st.Clean])
	printInfo("  Block size: %d\n", st.BlockSize)
	printInfo("  Blocks: %s (%s free, %.1f%%)\n",
		p.Sprintf("%d", st.BlocksCount), p.Sprintf("%d", st.FreeBlocks), pct(st.FreeBlocks, st.BlocksCount))
	printInfo("  Reserved blocks: %s\n", p.Sprintf("%d", st.ReservedBlocks))
	printInfo("  Inodes: %s (%s free, %.1f%%)\n",
		p.Sprintf("%d", st.InodesCount), p.Sprintf("%d", st.FreeInodes), pct(st.FreeInodes, st.InodesCount))
	printInfo("  Directories: %s\n", p.Sprintf("%d", st.Directories))
	printInfo("  Groups: %d (%d blocks, %d inodes each)\n", st.Groups, st.BlocksPerGroup, st.InodesPerGroup)
	if st.LazyInit {
		printInfo("  Lazy group initialization: enabled\n")
	}
	printInfo("  Mount count: %d\n", st.MountCount)
	return nil
}

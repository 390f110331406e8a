package main

import (
	"strings"

	"github.com/spf13/cobra"
)

func newGroupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups <image>",
		Short: "List block groups",
		Long: `The groups command lists every block group with its free counts,
metadata locations and initialization flags.

Example:
  ext2ctl groups disk.img
  ext2ctl groups disk.img --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGroups(cmd, args)
		},
	}
}

func runGroups(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	im, err := openImage(ctx, args[0], true)
	if err != nil {
		return err
	}
	defer closeImage(ctx, im, &err)

	groups := im.Groups()
	if ok, err := structured(groups); ok {
		return err
	}

	printInfo("%5s %10s %7s %11s %11s %5s %8s %8s %8s  %s\n",
		"GROUP", "FIRST", "BLOCKS", "FREE BLKS", "FREE INOS", "DIRS", "BBITMAP", "IBITMAP", "ITABLE", "FLAGS")
	for _, g := range groups {
		flags := strings.Join(g.Flags, ",")
		if g.Backup {
			flags = strings.TrimPrefix(flags+",SUPER", ",")
		}
		printInfo("%5d %10d %7d %11d %11d %5d %8d %8d %8d  %s\n",
			g.Group, g.FirstBlock, g.Blocks, g.FreeBlocks, g.FreeInodes, g.Directories,
			g.BlockBitmap, g.InodeBitmap, g.InodeTable, flags)
	}
	return nil
}

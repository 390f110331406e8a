package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joshuapare/ext2kit/ext2/alloc"
	"github.com/joshuapare/ext2kit/internal/format"
)

var (
	freeInodeOwner uint32
	freeDir        bool
)

func newFreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "free",
		Short: "Release blocks or inodes",
	}
	cmd.AddCommand(newFreeBlockCmd(), newFreeInodeCmd())
	return cmd
}

func newFreeBlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "block <image> <block>...",
		Short: "Free data blocks",
		Long: `The free block command returns blocks to the free pool. Freeing a block
that is already free is reported as corruption and nothing further is
written to the image.

Example:
  ext2ctl free block disk.img 1200 1201 1202`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFreeBlock(cmd, args)
		},
	}
	cmd.Flags().Uint32Var(&freeInodeOwner, "inode", format.RootIno, "Inode that owned the blocks")
	return cmd
}

func parseNumbers(args []string, what string) ([]uint32, error) {
	out := make([]uint32, 0, len(args))
	for _, s := range args {
		n, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid %s number %q: %w", what, s, err)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

func runFreeBlock(cmd *cobra.Command, args []string) (err error) {
	blocks, err := parseNumbers(args[1:], "block")
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	im, err := openImage(ctx, args[0], false)
	if err != nil {
		return err
	}
	defer closeImage(ctx, im, &err)

	a := im.Allocator()
	ip := &alloc.Inode{Ino: freeInodeOwner, Blocks: uint64(len(blocks)) * uint64(im.FS().Geometry().BlockSize/512)}
	res := allocResult{Inode: freeInodeOwner}
	for _, bno := range blocks {
		if err := a.FreeBlock(ctx, ip, bno); err != nil {
			return fmt.Errorf("failed to free block %d: %w", bno, err)
		}
		printVerbose("freed block %d\n", bno)
		res.Blocks = append(res.Blocks, bno)
	}
	if ok, err := structured(res); ok {
		return err
	}
	printInfo("Freed %d block(s)\n", len(res.Blocks))
	return nil
}

func newFreeInodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inode <image> <inode>...",
		Short: "Free inodes",
		Long: `The free inode command returns inodes to the free pool. Pass --dir when
the inodes were directories so the directory counts stay correct.

Example:
  ext2ctl free inode disk.img 12 13
  ext2ctl free inode disk.img 65 --dir`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFreeInode(cmd, args)
		},
	}
	cmd.Flags().BoolVar(&freeDir, "dir", false, "The inodes are directories")
	return cmd
}

func runFreeInode(cmd *cobra.Command, args []string) (err error) {
	inodes, err := parseNumbers(args[1:], "inode")
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	im, err := openImage(ctx, args[0], false)
	if err != nil {
		return err
	}
	defer closeImage(ctx, im, &err)

	mode := uint16(format.ModeReg)
	if freeDir {
		mode = format.ModeDir
	}
	a := im.Allocator()
	res := allocResult{}
	for _, ino := range inodes {
		if err := a.FreeInode(ctx, ino, mode); err != nil {
			return fmt.Errorf("failed to free inode %d: %w", ino, err)
		}
		printVerbose("freed inode %d\n", ino)
		res.Inodes = append(res.Inodes, ino)
	}
	if ok, err := structured(res); ok {
		return err
	}
	printInfo("Freed %d inode(s)\n", len(res.Inodes))
	return nil
}

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/ext2kit/ext2/verify"
)

// errInconsistent is returned by check when issues were found, so the
// process exits non-zero.
var errInconsistent = errors.New("filesystem is inconsistent")

type checkReport struct {
	Image  string                    `json:"image" yaml:"image"`
	OK     bool                      `json:"ok" yaml:"ok"`
	Issues []*verify.ValidationError `json:"issues" yaml:"issues"`
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <image>",
		Short: "Check allocation metadata for consistency",
		Long: `The check command compares every group's free counts with its bitmaps,
checks padding bits, metadata blocks and reserved inodes, and compares the
filesystem totals with the group sums. It exits non-zero when anything
disagrees.

Example:
  ext2ctl check disk.img
  ext2ctl check disk.img --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, args)
		},
	}
}

func runCheck(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	im, err := openImage(ctx, args[0], true)
	if err != nil {
		return err
	}
	defer closeImage(ctx, im, &err)

	issues, err := im.Check(ctx)
	if err != nil {
		return fmt.Errorf("check failed: %w", err)
	}
	report := checkReport{Image: args[0], OK: len(issues) == 0, Issues: issues}
	if report.Issues == nil {
		report.Issues = []*verify.ValidationError{}
	}
	if ok, err := structured(report); ok {
		if err != nil {
			return err
		}
	} else {
		for _, ve := range issues {
			printInfo("  ✗ %s\n", ve.Error())
		}
		if report.OK {
			printInfo("  ✓ Counters match bitmaps\n")
			printInfo("  ✓ Metadata blocks in use\n")
			printInfo("  ✓ Totals match group sums\n")
		}
	}
	if !report.OK {
		return fmt.Errorf("%w: %d issue(s)", errInconsistent, len(issues))
	}
	return nil
}

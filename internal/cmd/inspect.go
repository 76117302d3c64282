package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/lfs"
)

// NewInspectCmd creates the inspect subcommand.
func NewInspectCmd() *cobra.Command {
	var clean bool

	cmd := &cobra.Command{
		Use:   "inspect DEVICE",
		Short: "Mount a device and report its state",
		Long: `Inspect mounts DEVICE without background tasks, rolls the log forward
from the newest checkpoint and prints the layout and usage. Unmounting
writes a final checkpoint. With --clean a cleaning pass runs first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), args[0], clean)
		},
	}

	cmd.Flags().BoolVar(&clean, "clean", false, "Run a cleaning pass before reporting")

	return cmd
}

func runInspect(out io.Writer, path string, clean bool) error {
	d, err := disk.NewFileDisk(path, 0)
	if err != nil {
		return err
	}
	defer d.Close()
	fs, err := lfs.Mount(d, lfs.Options{NoBackground: true})
	if err != nil {
		return fmt.Errorf("mount %s: %w", path, err)
	}
	if clean {
		if err := fs.Clean(); err != nil {
			return unmountAfter(fs, err)
		}
	}
	g := fs.Geometry()
	st := fs.Stats()
	fmt.Fprintf(out, "superblock:  %v\n", fs.Super())
	fmt.Fprintf(out, "root inode:  %d\n", fs.Root())
	fmt.Fprintf(out, "max file:    %d bytes\n", fs.MaxBytes())
	fmt.Fprintf(out, "segments:    %d of %d blocks, %d reserved\n",
		g.Segments, g.SegmapBits, g.ReserveSegments)
	fmt.Fprintf(out, "maps:        %d imap blocks, %d segmap blocks, %d-block regions\n",
		g.ImapBlocks, g.SegmapBlocks, g.CheckpointBlocks)
	fmt.Fprintf(out, "inodes:      %d\n", st.Inodes)
	fmt.Fprintf(out, "blocks:      %d live, %d dead, %d allocated\n",
		st.Segmap.Live, st.Segmap.Dead, st.Segmap.Allocated)
	fmt.Fprintf(out, "clean:       %d segments\n", st.Segmap.Clean)
	fmt.Fprintf(out, "head:        %d:%d\n", st.Head, st.Tail)
	fmt.Fprintf(out, "checkpoint:  region %d at %d\n", st.Region, st.Checkpoint)
	if clean {
		fmt.Fprintf(out, "cleaner:     %d rounds, %d segments, %d blocks relocated\n",
			st.Cleaner.Rounds, st.Cleaner.Segments, st.Cleaner.Relocated)
	}
	return fs.Unmount()
}

// unmountAfter unmounts fs after err, reporting both failures.
func unmountAfter(fs interface{ Unmount() error }, err error) error {
	return errors.Join(err, fs.Unmount())
}

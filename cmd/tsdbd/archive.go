package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/xtxerr/tsdb/internal/storage"
	"github.com/xtxerr/tsdb/internal/storage/aggregate"
	"github.com/xtxerr/tsdb/internal/storage/archival"
	"github.com/xtxerr/tsdb/internal/storage/compression"
	"github.com/xtxerr/tsdb/internal/storage/parquet"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect and export archive files",
}

var archiveInspectCmd = &cobra.Command{
	Use:   "inspect <file|dir>...",
	Short: "List the buckets of archive files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		objects, err := readArchives(args)
		if err != nil {
			return err
		}
		summary, _ := cmd.Flags().GetBool("summary")
		accuracy, _ := cmd.Flags().GetFloat64("accuracy")

		out := cmd.OutOrStdout()
		if summary {
			return printSummary(out, objects, accuracy)
		}
		return printBuckets(out, objects)
	},
}

var archiveDownsampleCmd = &cobra.Command{
	Use:   "downsample <file|dir>...",
	Short: "Fold archived buckets into windowed aggregates in a parquet file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		window, _ := cmd.Flags().GetDuration("window")
		accuracy, _ := cmd.Flags().GetFloat64("accuracy")
		outPath, _ := cmd.Flags().GetString("out")
		codec, _ := cmd.Flags().GetString("compression")

		n, err := downsample(args, outPath, window, accuracy, codec)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d aggregates to %s\n", n, outPath)
		return nil
	},
}

func init() {
	archiveInspectCmd.Flags().Bool("summary", false, "print per-series statistics instead of buckets")
	archiveInspectCmd.Flags().Float64("accuracy", 0.01, "relative accuracy of quantiles")

	f := archiveDownsampleCmd.Flags()
	f.Duration("window", 5*time.Minute, "aggregation window")
	f.Float64("accuracy", 0.01, "relative accuracy of quantiles")
	f.StringP("out", "o", "aggregates.parquet", "output parquet file")
	f.String("compression", "zstd", "parquet compression: none, snappy, zstd, gzip")

	archiveCmd.AddCommand(archiveInspectCmd, archiveDownsampleCmd)
}

// archiveFiles expands directories into the archive files they hold.
func archiveFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			name := e.Name()
			if !e.IsDir() && (strings.HasSuffix(name, ".bin") || strings.HasSuffix(name, ".parquet")) {
				files = append(files, filepath.Join(p, name))
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func readArchives(paths []string) ([]archival.Object, error) {
	files, err := archiveFiles(paths)
	if err != nil {
		return nil, err
	}

	var objects []archival.Object
	for _, path := range files {
		var objs []archival.Object
		if strings.HasSuffix(path, ".parquet") {
			objs, err = parquet.ReadFile(path)
		} else {
			objs, err = archival.ReadFile(path)
		}
		if err != nil {
			return nil, err
		}
		objects = append(objects, objs...)
	}
	return objects, nil
}

func codecName(data []byte) string {
	if len(data) == 0 {
		return "-"
	}
	c, err := compression.LookupID(data[0])
	if err != nil {
		return fmt.Sprintf("unknown(%d)", data[0])
	}
	return c.Name
}

func printBuckets(out io.Writer, objects []archival.Object) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DB\tMEASUREMENT\tSERIES\tSTART\tPOINTS\tCODEC\tSIZE")

	var total uint64
	for _, obj := range objects {
		size := uint64(len(obj.Bucket.Data))
		total += size
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			obj.DB,
			obj.Measurement,
			obj.Key,
			time.UnixMilli(obj.Bucket.HeaderTimestamp).UTC().Format(time.RFC3339),
			obj.Bucket.Count,
			codecName(obj.Bucket.Data),
			humanize.Bytes(size))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d buckets, %s\n", len(objects), humanize.Bytes(total))
	return nil
}

func printSummary(out io.Writer, objects []archival.Object, accuracy float64) error {
	merged, err := storage.MergeArchived(objects)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIES\tPOINTS\tMIN\tMAX\tAVG\tP50\tP99")
	for i := range merged {
		r := aggregate.Summarize(&merged[i], accuracy)
		fmt.Fprintf(tw, "%s\t%s\t%g\t%g\t%g\t%s\t%s\n",
			merged[i].Key(),
			humanize.Comma(r.Count),
			r.Min, r.Max, r.Avg,
			quantile(r.P50), quantile(r.P99))
	}
	return tw.Flush()
}

func quantile(q *float64) string {
	if q == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *q)
}

func downsample(paths []string, outPath string, window time.Duration, accuracy float64, codec string) (int, error) {
	objects, err := readArchives(paths)
	if err != nil {
		return 0, err
	}
	merged, err := storage.MergeArchived(objects)
	if err != nil {
		return 0, err
	}
	results, err := aggregate.Downsample(merged, window, accuracy)
	if err != nil {
		return 0, err
	}

	opts := parquet.DefaultOptions()
	if opts.Compression, err = parquet.ParseCompressionType(codec); err != nil {
		return 0, err
	}
	w, err := parquet.NewAggregateWriter(outPath, opts)
	if err != nil {
		return 0, err
	}
	if err := w.Write(results); err != nil {
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return len(results), nil
}

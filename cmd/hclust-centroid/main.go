// SPDX-License-Identifier: GPL-2.0-or-later

// Command hclust-centroid builds a hierarchical cluster tree over a ROI's
// seed voxels by the centroid agglomerative strategy (spec §4.5). CLI
// surface, error policy and exit-code convention follow cmd/btrfs-rec's
// main.go exactly: a logLevelFlag pflag.Value, SilenceErrors/SilenceUsage,
// a dgroup with signal handling wrapping the single "main" goroutine, and
// a main() that prints one stderr line and sets the exit code on failure.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mpi-cbs/hclustering/lib/hcluster"
	"github.com/mpi-cbs/hclustering/lib/hcoord"
	"github.com/mpi-cbs/hclustering/lib/herrors"
	"github.com/mpi-cbs/hclustering/lib/slices"
	"github.com/mpi-cbs/hclustering/lib/textui"
	"github.com/mpi-cbs/hclustering/lib/tractio/fileio"
)

type logLevelFlag struct {
	logrus.Level
}

func (lvl *logLevelFlag) Type() string { return "loglevel" }
func (lvl *logLevelFlag) Set(str string) error {
	var err error
	lvl.Level, err = logrus.ParseLevel(str)
	return err
}

var _ pflag.Value = (*logLevelFlag)(nil)

// parseBase parses the --base flag's "off" | "size:S" | "num:N" grammar.
func parseBase(s string) (hcluster.BaseMode, int, int, error) {
	switch {
	case s == "" || s == "off":
		return hcluster.BaseOff, 0, 0, nil
	case strings.HasPrefix(s, "size:"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "size:"))
		if err != nil || n <= 0 {
			return 0, 0, 0, herrors.InvalidInputf("--base: malformed size target %q", s)
		}
		return hcluster.BaseGrowToSize, n, 0, nil
	case strings.HasPrefix(s, "num:"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "num:"))
		if err != nil || n <= 0 {
			return 0, 0, 0, herrors.InvalidInputf("--base: malformed count target %q", s)
		}
		return hcluster.BaseGrowToCount, 0, n, nil
	default:
		return 0, 0, 0, herrors.InvalidInputf("--base: unrecognised value %q, want off|size:S|num:N", s)
	}
}

func main() {
	logLevel := logLevelFlag{Level: logrus.InfoLevel}

	var roiPath, inDir, outDir, baseFlag string
	var cnb int
	var cacheMemGiB, thresholdRatio, maxNbDist float64
	var keepDiscarded, gzipTracts bool
	var threads int

	cmd := &cobra.Command{
		Use:   "hclust-centroid",
		Short: "Build a hierarchical cluster tree by centroid agglomerative merging",

		Args: cliutil.WrapPositionalArgs(cobra.NoArgs),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},

		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := logrus.New()
			logger.SetLevel(logLevel.Level)
			ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))

			if !slices.Contains(cnb, hcoord.ValidLevels) {
				return herrors.InvalidInputf("--cnb: %d is not a valid connectivity level, want one of %v", cnb, hcoord.ValidLevels)
			}
			if thresholdRatio <= 0 || thresholdRatio >= 1 {
				return herrors.InvalidInputf("--threshold-ratio: %g is out of range, want <0..1>", thresholdRatio)
			}
			if maxNbDist <= 0 || maxNbDist > 1 {
				return herrors.InvalidInputf("--max-nb-dist: %g is out of range, want <0..1]", maxNbDist)
			}

			base, baseSize, baseCount, err := parseBase(baseFlag)
			if err != nil {
				return err
			}

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
			grp.Go("main", func(ctx context.Context) error {
				adapter := fileio.New(inDir, gzipTracts, nil)
				cfg := hcluster.CentroidConfig{
					Level:          cnb,
					CacheBytes:     int64(cacheMemGiB * 1024 * 1024 * 1024),
					ThresholdRatio: thresholdRatio,
					MaxNbDist:      maxNbDist,
					Base:           base,
					BaseSize:       baseSize,
					BaseCount:      baseCount,
					Threads:        threads,
				}
				builder := hcluster.NewCentroidBuilder(adapter, cfg)

				dlog.Infof(ctx, "building centroid tree: roi=%s in=%s out=%s cnb=%d run=%s",
					roiPath, inDir, outDir, cnb, uuid.New())

				var memuse textui.LiveMemUse
				tree, stats, err := builder.Build(ctx, roiPath)
				if err != nil {
					return err
				}
				dlog.Infof(ctx, "build complete: %d leaves, %d nodes, %d discarded, leaf cache %d/%d, node cache %d/%d, %d comparisons, mem=%v",
					len(tree.Leaves), len(tree.Nodes), len(tree.Discarded),
					stats.LeafHits, stats.LeafHits+stats.LeafMisses,
					stats.NodeHits, stats.NodeHits+stats.NodeMisses,
					stats.Comparisons, &memuse)

				if !keepDiscarded {
					tree.Discarded = nil
				}

				if err := os.MkdirAll(outDir, 0o755); err != nil {
					return herrors.Wrap(herrors.MissingData, "creating output directory", err)
				}
				treeFile, err := os.Create(filepath.Join(outDir, "tree.txt"))
				if err != nil {
					return herrors.Wrap(herrors.MissingData, "creating tree output file", err)
				}
				defer treeFile.Close()
				if err := tree.Write(treeFile, false); err != nil {
					return err
				}

				return os.WriteFile(filepath.Join(outDir, "success"), nil, 0o644)
			})
			return grp.Wait()
		},
	}
	cmd.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	cmd.SetHelpTemplate(cliutil.HelpTemplate)

	flags := cmd.Flags()
	flags.Var(&logLevel, "verbosity", "set the verbosity")
	flags.StringVar(&roiPath, "roi", "", "path to the ROI text file")
	flags.StringVar(&inDir, "in", "", "directory of compact tract files")
	flags.StringVar(&outDir, "out", "", "directory to write the tree and success marker into")
	flags.IntVar(&cnb, "cnb", 6, fmt.Sprintf("neighbourhood connectivity level, one of %v", hcoord.ValidLevels))
	flags.Float64Var(&cacheMemGiB, "cache-mem", 1, "tract cache byte budget, in GiB")
	flags.Float64Var(&thresholdRatio, "threshold-ratio", 0.01, "threshold ratio r (0..1)")
	flags.Float64Var(&maxNbDist, "max-nb-dist", 1, "outlier distance bound tau (0..1]")
	flags.StringVar(&baseFlag, "base", "off", "base-growing phase: off|size:S|num:N")
	flags.BoolVar(&keepDiscarded, "keep-discarded", false, "retain the discarded-seed list in the output tree")
	flags.IntVar(&threads, "threads", 0, "cap on neighbourhood-scan concurrency (0 = unbounded)")
	flags.BoolVar(&gzipTracts, "gzip", false, "tract files are gzip-compressed")
	for _, name := range []string{"roi", "in", "out"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", cmd.CommandPath(), err)
		os.Exit(1)
	}
}

// SPDX-License-Identifier: GPL-2.0-or-later

// Command hclust-graph builds a hierarchical cluster tree over a ROI's
// seed voxels by reducing a precomputed pairwise distance matrix under a
// chosen linkage rule (spec §4.6). CLI surface and error policy mirror
// cmd/hclust-centroid and, beneath it, cmd/btrfs-rec's main.go.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mpi-cbs/hclustering/lib/hcluster"
	"github.com/mpi-cbs/hclustering/lib/herrors"
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

func main() {
	logLevel := logLevelFlag{Level: logrus.InfoLevel}

	var roiPath, matrixDir, outDir, linkageFlag string
	var keepDiscarded bool
	var threads int

	cmd := &cobra.Command{
		Use:   "hclust-graph",
		Short: "Build a hierarchical cluster tree by graph-linkage reduction of a distance matrix",

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

			linkage, err := hcluster.ParseLinkage(linkageFlag)
			if err != nil {
				return err
			}

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
			grp.Go("main", func(ctx context.Context) error {
				adapter := fileio.New(matrixDir, false, nil)
				builder := hcluster.NewGraphBuilder(adapter, hcluster.GraphConfig{Linkage: linkage, Threads: threads})

				dlog.Infof(ctx, "building graph-linkage tree: roi=%s matrix=%s out=%s linkage=%s run=%s",
					roiPath, matrixDir, outDir, linkage, uuid.New())

				var memuse textui.LiveMemUse
				tree, err := builder.Build(ctx, roiPath, matrixDir)
				if err != nil {
					return err
				}
				dlog.Infof(ctx, "build complete: %d leaves, %d nodes, %d discarded, mem=%v",
					len(tree.Leaves), len(tree.Nodes), len(tree.Discarded), &memuse)

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
	flags.StringVar(&matrixDir, "in", "", "directory of the precomputed distance-matrix block store")
	flags.StringVar(&outDir, "out", "", "directory to write the tree and success marker into")
	flags.StringVar(&linkageFlag, "linkage", "average", fmt.Sprintf("linkage rule: one of %s|%s|%s|%s|%s",
		hcluster.LinkageSingle, hcluster.LinkageComplete, hcluster.LinkageAverage, hcluster.LinkageWeighted, hcluster.LinkageWard))
	flags.BoolVar(&keepDiscarded, "keep-discarded", false, "retain the discarded-seed list in the output tree")
	flags.IntVar(&threads, "threads", 0, "cap on per-row rescan concurrency (0 = unbounded)")
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

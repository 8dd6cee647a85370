// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// correctCmd implements the "correct" subcommand, and (with fitOnly)
// the "fit" subcommand, which only writes the fitted models.
type correctCmd struct {
	fitOnly bool
	config  Config
	batchArgs
}

func (cmd *correctCmd) name() string {
	if cmd.fitOnly {
		return "fit"
	}
	return "correct"
}

func (cmd *correctCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", true, "run on local host (if false, run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	inputFilename := flags.String("i", "", "input expression matrix `file` (tsv or tsv.gz, genes × samples)")
	groupsFilename := flags.String("groups", "", "sample group `file` (tsv: sample, group); default is a single group")
	modelsFilename := flags.String("models", "", "use previously fitted models from `files` (comma-separated) instead of fitting")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	threads := flags.Int("threads", runtime.GOMAXPROCS(0), "number of groups to fit concurrently")
	gz := flags.Bool("gzip", true, "compress corrected matrix")
	numpy := flags.Bool("numpy", false, "also write corrected matrix as numpy array")
	cmd.config.Flags(flags)
	cmd.batchArgs = batchArgs{batches: 1, batch: -1}
	if cmd.fitOnly {
		cmd.batchArgs.Flags(flags)
	}
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
		return 2
	}
	if *inputFilename == "" {
		err = errors.New("must specify input file (-i)")
		return 2
	}
	if err = cmd.config.Validate(); err != nil {
		return 2
	}
	if err = cmd.batchArgs.Validate(); err != nil {
		return 2
	}
	if cmd.fitOnly && *modelsFilename != "" {
		err = errors.New("cannot use -models with fit")
		return 2
	}
	if cmd.config.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		var modelsFilenames []string
		if *modelsFilename != "" {
			modelsFilenames = strings.Split(*modelsFilename, ",")
		}
		runner := arvadosContainerRunner{
			Name:        "snail " + cmd.name(),
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         16000000000,
			VCPUs:       *threads,
			Priority:    *priority,
		}
		paths := []*string{inputFilename, groupsFilename}
		for i := range modelsFilenames {
			paths = append(paths, &modelsFilenames[i])
		}
		err = runner.TranslatePaths(paths...)
		if err != nil {
			return 1
		}
		var outputs []string
		outputs, err = cmd.RunBatches(context.Background(), func(ctx context.Context, batch int) (string, error) {
			runner := runner
			runner.Args = []string{cmd.name(), "-local=true",
				"-i=" + *inputFilename,
				"-groups=" + *groupsFilename,
				"-models=" + strings.Join(modelsFilenames, ","),
				"-output-dir=/mnt/output",
				fmt.Sprintf("-threads=%d", *threads),
				fmt.Sprintf("-gzip=%v", *gz),
				fmt.Sprintf("-numpy=%v", *numpy),
			}
			if cmd.fitOnly {
				runner.Args = append(runner.Args, cmd.batchArgs.Args(batch)...)
			}
			runner.Args = append(runner.Args, cmd.config.Args()...)
			return runner.RunContext(ctx)
		})
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, strings.Join(outputs, "\n"))
		return 0
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	err = cmd.run(ctx, *inputFilename, *groupsFilename, *modelsFilename, *outputDir, *threads, *gz, *numpy)
	if IsInputError(err) {
		return 2
	} else if err != nil {
		return 1
	}
	return 0
}

func (cmd *correctCmd) run(ctx context.Context, inputFilename, groupsFilename, modelsFilename, outputDir string, threads int, gz, numpy bool) error {
	em, err := LoadExpressionMatrix(inputFilename)
	if err != nil {
		return err
	}
	var groups GroupAssignment
	if groupsFilename != "" {
		groups, err = LoadGroupAssignment(groupsFilename)
		if err != nil {
			return err
		}
	}
	err = os.MkdirAll(outputDir, 0777)
	if err != nil {
		return err
	}
	orch := Orchestrator{Config: cmd.config, Threads: threads}
	if cmd.batch >= 0 {
		if groups == nil {
			groups = SingleGroup(em.Samples)
		}
		labels, _, err := groups.Columns(em.Samples)
		if err != nil {
			return err
		}
		orch.Only = cmd.Slice(labels)
		if len(orch.Only) == 0 {
			log.Infof("batch %d of %d has no groups", cmd.batch, cmd.batches)
			return SaveModels(outputDir+"/models.gob.gz", nil)
		}
	}
	if modelsFilename != "" {
		orch.Fitted, err = cmd.loadFitted(modelsFilename)
		if err != nil {
			return err
		}
	}
	err = orch.Run(ctx, em, groups)
	if err != nil {
		return err
	}

	modelsOut := outputDir + "/models.gob.gz"
	log.Infof("writing models to %s", modelsOut)
	err = SaveModels(modelsOut, orch.ModelEntries())
	if err != nil {
		return err
	}
	if cmd.fitOnly {
		return nil
	}

	fnm := outputDir + "/corrected.tsv"
	if gz {
		fnm += ".gz"
	}
	log.Infof("writing corrected matrix to %s", fnm)
	corrected := orch.Corrected()
	err = corrected.Save(fnm)
	if err != nil {
		return err
	}
	err = writeJSON(outputDir+"/affected.json", orch.Affected())
	if err != nil {
		return err
	}
	log.Infof("writing affected value mask to %s", outputDir+"/affected.npy")
	err = writeMatrixNumpy(outputDir+"/affected", orch.AffectedMatrix(), false)
	if err != nil {
		return err
	}
	if numpy {
		err = writeMatrixNumpy(outputDir+"/corrected", corrected, false)
		if err != nil {
			return err
		}
	}
	return nil
}

// loadFitted reads one or more (comma-separated) model files, e.g.,
// the outputs of a batched fit.
func (cmd *correctCmd) loadFitted(fnms string) (map[string]*MixtureModel, error) {
	fitted := map[string]*MixtureModel{}
	for _, fnm := range strings.Split(fnms, ",") {
		ents, err := LoadModels(fnm)
		if err != nil {
			return nil, err
		}
		for i := range ents {
			ent := &ents[i]
			if ent.Transform != cmd.config.Transform() {
				return nil, inputErrorf("%s: group %q was fitted with transform %s, but current options use %s (see -log-transformed)", fnm, ent.Group, ent.Transform, cmd.config.Transform())
			}
			if fitted[ent.Group] != nil {
				return nil, inputErrorf("%s: duplicate model for group %q", fnm, ent.Group)
			}
			fitted[ent.Group], err = ent.Model()
			if err != nil {
				return nil, err
			}
		}
	}
	return fitted, nil
}

func writeJSON(fnm string, v interface{}) error {
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	err = enc.Encode(v)
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	return f.Close()
}

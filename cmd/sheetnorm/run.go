package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sheetnorm/internal/pipeline"
	"github.com/JonMunkholm/sheetnorm/internal/sandbox"
	"github.com/JonMunkholm/sheetnorm/internal/sheet"
)

type runFlags struct {
	pkg       string
	snapshot  string
	output    string
	format    string
	artifact  string
	jobID     string
	env       []string
	threshold float64
	allowNet  bool
	timeoutMS int
	memoryMB  int
}

func runCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <input>",
		Short: "Normalize one spreadsheet and write its artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0], f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.pkg, "package", "p", "", "config package directory (prepared on demand)")
	fl.StringVar(&f.snapshot, "snapshot", "", "run against an already prepared snapshot id")
	fl.StringVarP(&f.output, "output", "o", "", "normalized output path (default: <input>.normalized.<ext>)")
	fl.StringVar(&f.format, "format", "", "output format: xlsx or csv (default: from the output extension)")
	fl.StringVar(&f.artifact, "artifact", "-", "artifact path, - for stdout")
	fl.StringVar(&f.jobID, "job-id", "", "job id recorded in the artifact (default: random UUID)")
	fl.StringArrayVar(&f.env, "env", nil, "KEY=VALUE passed to rules as env (repeatable)")
	fl.Float64Var(&f.threshold, "threshold", 0, "override engine.defaults.mapping_score_threshold")
	fl.BoolVar(&f.allowNet, "allow-net", false, "allow rule workers network access")
	fl.IntVar(&f.timeoutMS, "timeout-ms", 0, "override the per-call rule timeout")
	fl.IntVar(&f.memoryMB, "memory-mb", 0, "override the rule worker memory limit")
	cmd.MarkFlagsMutuallyExclusive("package", "snapshot")
	cmd.MarkFlagsOneRequired("package", "snapshot")
	return cmd
}

func (a *app) run(cmd *cobra.Command, input string, f runFlags) error {
	ctx := cmd.Context()
	store, err := a.store(ctx, nil)
	if err != nil {
		return fail(err)
	}
	runner := pipeline.New(a.cfg.Engine, sandbox.OptionsFromConfig(a.cfg.Sandbox), store)

	req := pipeline.Request{
		JobID:      f.jobID,
		Input:      input,
		PackageDir: f.pkg,
		SnapshotID: f.snapshot,
		Output:     f.output,
		Format:     sheet.Format(strings.ToLower(f.format)),
	}
	if req.Output == "" {
		req.Output = defaultOutput(input, req.Format)
	}
	if req.Env, err = parseEnv(f.env); err != nil {
		return fail(err)
	}
	fl := cmd.Flags()
	if fl.Changed("threshold") {
		req.Overrides.MappingScoreThreshold = &f.threshold
	} else if t := a.cfg.Engine.MappingScoreThreshold; t != nil {
		req.Overrides.MappingScoreThreshold = t
	}
	if fl.Changed("allow-net") {
		req.Overrides.AllowNet = &f.allowNet
	}
	if fl.Changed("timeout-ms") {
		req.Overrides.TimeoutMS = &f.timeoutMS
	}
	if fl.Changed("memory-mb") {
		req.Overrides.MemoryLimitMB = &f.memoryMB
	}

	res, runErr := runner.Run(ctx, req)
	if err := writeArtifact(cmd.OutOrStdout(), f.artifact, res); err != nil {
		return fail(err)
	}
	if runErr != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), pipeline.FormatUserError(runErr))
		return fail(runErr)
	}
	sum := res.Artifact.Summary
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d table(s), %d row(s) -> %s\n", sum.Message, sum.Tables, sum.RowsWritten, req.Output)
	return nil
}

// defaultOutput places the normalized file next to input.
func defaultOutput(input string, format sheet.Format) string {
	ext := strings.ToLower(filepath.Ext(input))
	switch {
	case format == sheet.FormatCSV:
		ext = ".csv"
	case format == sheet.FormatXLSX || ext != ".csv":
		ext = ".xlsx"
	}
	stem := strings.TrimSuffix(input, filepath.Ext(input))
	return stem + ".normalized" + ext
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--env %q: want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

func writeArtifact(stdout io.Writer, path string, res *pipeline.Result) error {
	data, err := json.MarshalIndent(res.Artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	data = append(data, '\n')
	if path == "" || path == "-" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

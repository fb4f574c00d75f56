package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/example/go-graphrun/internal/doctor"
	"github.com/example/go-graphrun/internal/onnx"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	var skipRuntime bool

	cmd := &cobra.Command{
		Use:   "doctor [graph files...]",
		Short: "Run local runtime checks and validate graph files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			dcfg := doctor.Config{
				Runtime: func() (string, string, error) {
					info, err := onnx.DetectRuntime(cfg.Runtime)
					return info.LibraryPath, info.Version, err
				},
				SkipRuntime: skipRuntime,
				APIVersion:  cfg.Runtime.APIVersion,
				TempDir:     cfg.Export.TempDir,
				GraphFiles:  args,
				ValidateGraph: func(path string) error {
					_, err := loadGraph(path)
					return err
				},
			}

			out := cmd.OutOrStdout()
			result := doctor.Run(dcfg, out)

			if result.Failed() {
				for _, f := range result.Failures() {
					_, _ = fmt.Fprintf(os.Stderr, "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}

	cmd.Flags().BoolVar(&skipRuntime, "skip-runtime", false, "Skip ONNX Runtime detection")

	return cmd
}

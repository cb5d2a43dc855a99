package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/karflow/internal/logging"
	"github.com/rendis/karflow/internal/validation"
	"github.com/rendis/karflow/pkg/schema"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file-or-dir...]",
	Short: "Validate knowledge artifact definitions",
	Long: `Runs structural, semantic and graph validation over artifact files.
Directories are scanned for *.json files. With no arguments the configured
artifact directory is validated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			args = []string{configFor(cmd).KARDir}
		}
		files, err := collectArtifactFiles(args)
		if err != nil {
			return err
		}
		v, _, err := newValidator(logging.NewNop())
		if err != nil {
			return err
		}
		failed := validateFiles(cmd, v, files, cmd.OutOrStdout())
		if failed > 0 {
			return fmt.Errorf("%d of %d artifact(s) invalid", failed, len(files))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d artifact(s) valid\n", len(files))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func collectArtifactFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".json") {
				files = append(files, filepath.Join(arg, e.Name()))
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// validateFiles prints one report per file and returns the number of invalid files.
func validateFiles(cmd *cobra.Command, v *validation.ArtifactValidator, files []string, w io.Writer) int {
	failed := 0
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", f, err)
			failed++
			continue
		}
		_, result := v.ValidateDocument(background(cmd), raw)
		printResult(w, f, result)
		if !result.Valid() {
			failed++
		}
	}
	return failed
}

func printResult(w io.Writer, name string, r *schema.ValidationResult) {
	status := "ok"
	if !r.Valid() {
		status = "INVALID"
	}
	fmt.Fprintf(w, "%s: %s\n", name, status)
	for _, is := range r.Errors {
		fmt.Fprintf(w, "  error   %s\n", is)
	}
	for _, is := range r.Warnings {
		fmt.Fprintf(w, "  warning %s\n", is)
	}
}

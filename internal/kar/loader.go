package kar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rendis/karflow/pkg/schema"
)

// DocumentValidator validates and decodes a raw artifact document. Satisfied
// by *validation.ArtifactValidator.
type DocumentValidator interface {
	ValidateDocument(ctx context.Context, raw []byte) (*schema.KnowledgeArtifact, *schema.ValidationResult)
}

// LoadDir reads every *.json file in dir, validates it and adds it to the
// repository. Invalid files are skipped; their errors are joined into the
// returned error alongside the number of artifacts loaded.
func LoadDir(ctx context.Context, repo *Repository, v DocumentValidator, dir string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read artifact directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var errs []error
	loaded := 0
	for _, name := range names {
		path := filepath.Join(dir, name)
		k, err := loadFile(ctx, v, path, logger)
		if err == nil {
			err = repo.Add(k)
		}
		if err != nil {
			logger.Warn("knowledge artifact rejected", slog.String("file", path), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		logger.Info("knowledge artifact loaded",
			slog.String("kar_id", k.ID),
			slog.String("kar_version", k.Version),
			slog.Int("actions", len(k.Actions)))
		loaded++
	}
	return loaded, errors.Join(errs...)
}

func loadFile(ctx context.Context, v DocumentValidator, path string, logger *slog.Logger) (*schema.KnowledgeArtifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	k, res := v.ValidateDocument(ctx, raw)
	if err := res.ToError(); err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		logger.Debug("knowledge artifact warning", slog.String("file", path), slog.String("path", w.Path), slog.String("message", w.Message))
	}
	return k, nil
}

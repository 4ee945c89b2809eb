// Package recon implements the first pipeline stage: fetch the target's
// source (shallow git clone, mounted local path, or explorer fetch for
// an on-chain address), enumerate contract sources, and build the
// surface map the later stages work from. Recon performs no network
// writes.
package recon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/explorer"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
	"github.com/bugbot-io/bugbot/pkg/stages"
)

// ErrSourceNotFound is returned when an address target has no verified
// source on its chain's explorer. The taxonomy tag keeps the cause in
// the stage server's 404 body, so the orchestrator records
// "source_not_found" on the failed scan instead of a generic error.
var ErrSourceNotFound = service.Sentinel("source_not_found", service.ErrNotFound)

var (
	solImportRe   = regexp.MustCompile(`(?m)^\s*import\s+(?:\{[^}]*\}\s+from\s+)?["']([^"']+)["']`)
	solContractRe = regexp.MustCompile(`(?m)^\s*(?:abstract\s+)?contract\s+([A-Za-z_]\w*)`)
	vyImportRe    = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+(\S+)`)
)

// Worker is the recon stage implementation.
type Worker struct {
	chains    *config.ChainRegistry
	cloneRoot string
	logger    *slog.Logger
}

// New creates a recon worker. Clones land under the OS temp dir.
func New(cfg *config.Config) *Worker {
	return &Worker{
		chains:    cfg.Chains,
		cloneRoot: os.TempDir(),
		logger:    slog.Default().With("component", "recon"),
	}
}

// Stage identifies this worker.
func (w *Worker) Stage() models.Stage { return models.StageRecon }

// Execute runs recon for one scan.
func (w *Worker) Execute(ctx context.Context, req *stages.Request) (*stages.Response, error) {
	var (
		result *models.ReconResult
		err    error
	)
	switch req.Target.Kind {
	case models.TargetGitURL:
		result, err = w.reconRepo(ctx, req.Target.URL, true)
	case models.TargetLocalPath:
		result, err = w.reconRepo(ctx, req.Target.Path, false)
	case models.TargetAddress:
		result, err = w.reconAddress(ctx, req.Target)
	default:
		return nil, service.NewValidationError("target", "unknown target kind")
	}
	if err != nil {
		return nil, err
	}

	status := models.StageStatusCompleted
	respErr := ""
	if len(result.Contracts) == 0 && req.Target.Kind != models.TargetAddress {
		status = models.StageStatusPartial
		respErr = "no entry contracts identified"
	}
	return &stages.Response{
		Stage:       models.StageRecon,
		StageStatus: status,
		Error:       respErr,
		Recon:       result,
	}, nil
}

// reconRepo enumerates a source tree, cloning first when remote.
func (w *Worker) reconRepo(ctx context.Context, location string, remote bool) (*models.ReconResult, error) {
	root := location
	repoRef := ""
	if remote {
		dir, err := os.MkdirTemp(w.cloneRoot, "bugbot-recon-*")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(dir)

		if err := w.shallowClone(ctx, location, dir); err != nil {
			return nil, err
		}
		repoRef = w.headRef(ctx, dir)
		root = dir
	}

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, service.NewValidationError("target", "path is not a readable directory")
	}

	surface, contracts, walkErr := enumerate(root)
	if walkErr != nil {
		return nil, fmt.Errorf("enumerating sources: %w", walkErr)
	}
	return &models.ReconResult{
		SurfaceMap: surface,
		Contracts:  contracts,
		RepoRef:    repoRef,
	}, nil
}

// shallowClone runs git clone --depth 1 with prompts disabled.
func (w *Worker) shallowClone(ctx context.Context, url, dir string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--quiet", url, dir)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		w.logger.Error("Clone failed", "error", err, "output", strings.TrimSpace(string(out)))
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

func (w *Worker) headRef(ctx context.Context, dir string) string {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// reconAddress fetches verified source and ABI from the chain's explorer.
func (w *Worker) reconAddress(ctx context.Context, target models.Target) (*models.ReconResult, error) {
	if target.Chain == "" {
		return nil, service.NewValidationError("chain", "address targets require a resolved chain")
	}
	client, err := explorer.New(w.chains, target.Chain)
	if err != nil {
		return nil, err
	}

	src, err := client.GetSource(ctx, target.Address)
	if errors.Is(err, explorer.ErrSourceNotVerified) {
		return nil, fmt.Errorf("%w: %s on %s has no verified source", ErrSourceNotFound, target.Address, target.Chain)
	}
	if err != nil {
		return nil, err
	}

	name := src.ContractName
	if name == "" {
		name = target.Address
	}
	file := name + ".sol"
	return &models.ReconResult{
		SurfaceMap: []models.SourceFile{{
			File:     file,
			Path:     file,
			Language: "solidity",
			Imports:  parseImports(solImportRe, src.SourceCode),
		}},
		Contracts: []models.ContractRecord{{
			Name:    name,
			Address: target.Address,
			ABI:     src.ABI,
			Source:  src.SourceCode,
		}},
	}, nil
}

// enumerate walks the tree collecting Solidity, Vyper, and Rust sources.
// Rust files count only inside Cargo workspaces, the Solana convention.
func enumerate(root string) ([]models.SourceFile, []models.ContractRecord, error) {
	var (
		surface   []models.SourceFile
		contracts []models.ContractRecord
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" || name == "lib" {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		switch {
		case strings.HasSuffix(path, ".sol"):
			raw, readErr := os.ReadFile(path)
			if readErr != nil {
				return nil
			}
			src := string(raw)
			surface = append(surface, models.SourceFile{
				File:     d.Name(),
				Path:     rel,
				Language: "solidity",
				Imports:  parseImports(solImportRe, src),
			})
			for _, m := range solContractRe.FindAllStringSubmatch(src, -1) {
				contracts = append(contracts, models.ContractRecord{
					Name:   m[1],
					Path:   rel,
					Source: src,
				})
			}
		case strings.HasSuffix(path, ".vy"):
			raw, readErr := os.ReadFile(path)
			if readErr != nil {
				return nil
			}
			src := string(raw)
			surface = append(surface, models.SourceFile{
				File:     d.Name(),
				Path:     rel,
				Language: "vyper",
				Imports:  parseImports(vyImportRe, src),
			})
			contracts = append(contracts, models.ContractRecord{
				Name:   strings.TrimSuffix(d.Name(), ".vy"),
				Path:   rel,
				Source: src,
			})
		case strings.HasSuffix(path, ".rs") && inCargoWorkspace(root, path):
			surface = append(surface, models.SourceFile{
				File:     d.Name(),
				Path:     rel,
				Language: "rust",
			})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return surface, contracts, nil
}

// inCargoWorkspace reports whether any ancestor of path up to root holds
// a Cargo.toml.
func inCargoWorkspace(root, path string) bool {
	dir := filepath.Dir(path)
	for {
		if _, err := os.Stat(filepath.Join(dir, "Cargo.toml")); err == nil {
			return true
		}
		if dir == root || dir == filepath.Dir(dir) {
			return false
		}
		dir = filepath.Dir(dir)
	}
}

func parseImports(re *regexp.Regexp, src string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(src, -1) {
		out = append(out, m[1])
	}
	return out
}

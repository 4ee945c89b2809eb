package addrscan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bugbot-io/bugbot/pkg/config"
	"github.com/bugbot-io/bugbot/pkg/explorer"
	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/service"
	"github.com/bugbot-io/bugbot/pkg/stages"
)

// Decompiler recovers approximate source from deployed bytecode when no
// verified source exists. Optional collaborator.
type Decompiler interface {
	Decompile(ctx context.Context, chain, address string) (source string, err error)
}

// Result is the scan-address outcome. Status "analyzed" carries the
// static stage output; "source_not_found" carries a suggestion instead.
type Result struct {
	Status     string               `json:"status"`
	Chain      string               `json:"chain"`
	Address    string               `json:"address"`
	Contract   string               `json:"contract_name,omitempty"`
	Static     *models.StaticResult `json:"static,omitempty"`
	Suggestion string               `json:"suggestion,omitempty"`
}

// Scanner binds the static stage to an address-only input.
type Scanner struct {
	cfg        *config.Config
	stages     *stages.Client
	decompiler Decompiler
	logger     *slog.Logger
}

// NewScanner creates the address scanner. decompiler may be nil;
// force_decompile then fails with a clear message.
func NewScanner(cfg *config.Config, stageClient *stages.Client, decompiler Decompiler) *Scanner {
	return &Scanner{
		cfg:        cfg,
		stages:     stageClient,
		decompiler: decompiler,
		logger:     slog.Default().With("component", "addrscan"),
	}
}

// Scan runs the address flow: resolve chain, fetch verified source (or
// decompile), delegate to the static stage worker.
func (s *Scanner) Scan(ctx context.Context, address, chain string, forceDecompile bool) (*Result, error) {
	resolved, err := s.resolveChain(address, chain)
	if err != nil {
		return nil, err
	}

	source, contractName, err := s.fetchSource(ctx, resolved, address, forceDecompile)
	if errors.Is(err, explorer.ErrSourceNotVerified) {
		return &Result{
			Status:     "source_not_found",
			Chain:      resolved,
			Address:    address,
			Suggestion: "pass force_decompile=true",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	static, err := s.delegate(ctx, resolved, address, contractName, source)
	if err != nil {
		return nil, err
	}
	return &Result{
		Status:   "analyzed",
		Chain:    resolved,
		Address:  address,
		Contract: contractName,
		Static:   static,
	}, nil
}

func (s *Scanner) resolveChain(address, chain string) (string, error) {
	if chain == "" {
		detected, err := DetectChain(address)
		if err != nil {
			return "", service.NewValidationError("chain", err.Error())
		}
		chain = detected
	} else if err := ValidateChainForAddress(address, chain); err != nil {
		return "", service.NewValidationError("chain", err.Error())
	}
	if !s.cfg.Chains.Has(chain) {
		return "", service.NewValidationError("chain", "chain not configured: "+chain)
	}
	return chain, nil
}

func (s *Scanner) fetchSource(ctx context.Context, chain, address string, forceDecompile bool) (source, contractName string, err error) {
	client, err := explorer.New(s.cfg.Chains, chain)
	if err != nil {
		return "", "", err
	}

	src, err := client.GetSource(ctx, address)
	if err == nil {
		return src.SourceCode, src.ContractName, nil
	}
	if !errors.Is(err, explorer.ErrSourceNotVerified) {
		return "", "", err
	}

	if !forceDecompile {
		return "", "", err
	}
	if s.decompiler == nil {
		return "", "", fmt.Errorf("%w: no decompiler configured", service.ErrBackendUnavailable)
	}
	s.logger.Info("Decompiling unverified contract", "chain", chain, "address", address)
	decompiled, derr := s.decompiler.Decompile(ctx, chain, address)
	if derr != nil {
		return "", "", fmt.Errorf("decompile failed: %w", derr)
	}
	return decompiled, "Decompiled_" + address[:min(len(address), 10)], nil
}

// delegate wraps the obtained source as a recon result and dispatches
// the static stage worker.
func (s *Scanner) delegate(ctx context.Context, chain, address, contractName, source string) (*models.StaticResult, error) {
	if contractName == "" {
		contractName = address
	}
	recon := &models.StageResult{
		Stage:  models.StageRecon,
		Status: models.StageStatusCompleted,
		Recon: &models.ReconResult{
			SurfaceMap: []models.SourceFile{{
				File: contractName + ".sol", Path: contractName + ".sol", Language: "solidity",
			}},
			Contracts: []models.ContractRecord{{
				Name: contractName, Address: address, Source: source,
			}},
		},
	}

	resp, err := s.stages.Execute(ctx, models.StageStatic, &stages.Request{
		ScanID: "addrscan-" + address,
		Chain:  chain,
		Target: models.Target{Kind: models.TargetAddress, Address: address, Chain: chain},
		Prior:  map[models.Stage]*models.StageResult{models.StageRecon: recon},
	})
	if err != nil {
		return nil, err
	}
	return resp.Static, nil
}

// SupportedChains lists the chains this deployment can scan.
func (s *Scanner) SupportedChains() []string {
	return s.cfg.Chains.Names()
}

// Package monitoring implements the fourth pipeline stage: watch a
// deployed address for a bounded window through the RPC pool and flag
// anomalies against a small rule set (large transfers, head drift).
package monitoring

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/bugbot-io/bugbot/pkg/models"
	"github.com/bugbot-io/bugbot/pkg/rpcpool"
	"github.com/bugbot-io/bugbot/pkg/service"
	"github.com/bugbot-io/bugbot/pkg/stages"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// largeTransferWei flags token/ETH movements above 1000 units of an
// 18-decimal asset. Coarse on purpose: triage downgrades noise.
var largeTransferWei = new(big.Int).Mul(big.NewInt(1000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

const pollInterval = 5 * time.Second

// Worker is the monitoring stage implementation.
type Worker struct {
	pools  *rpcpool.Registry
	logger *slog.Logger
}

// New creates a monitoring worker over the shared pool registry.
func New(pools *rpcpool.Registry) *Worker {
	return &Worker{
		pools:  pools,
		logger: slog.Default().With("component", "monitoring"),
	}
}

// Stage identifies this worker.
func (w *Worker) Stage() models.Stage { return models.StageMonitoring }

// Execute polls the chain for the configured window. RPC outages during
// the window demote the result to partial rather than failing the scan;
// the window itself is the only clock, the dispatch deadline is the cap.
func (w *Worker) Execute(ctx context.Context, req *stages.Request) (*stages.Response, error) {
	if req.Target.Address == "" {
		// Source-only scans have nothing on-chain to watch.
		return &stages.Response{
			Stage:       models.StageMonitoring,
			StageStatus: models.StageStatusSkipped,
			Monitoring:  &models.MonitoringResult{},
		}, nil
	}
	if req.Chain == "" {
		return nil, service.NewValidationError("chain", "monitoring requires a resolved chain")
	}

	pool, err := w.pools.Pool(ctx, req.Chain)
	if err != nil {
		return nil, err
	}
	handle := pool.Client()

	window := req.Config.MonitorDuration()
	result := &models.MonitoringResult{
		Address:       req.Target.Address,
		Chain:         req.Chain,
		WindowSeconds: int(window.Seconds()),
	}

	address := common.HexToAddress(req.Target.Address)
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastHead uint64
	rpcErrors := 0

	for {
		select {
		case <-ctx.Done():
			return w.finish(result, rpcErrors, "window interrupted"), nil
		case <-deadline.C:
			reason := ""
			if rpcErrors > 0 {
				reason = "rpc errors during window"
			}
			return w.finish(result, rpcErrors, reason), nil
		case <-ticker.C:
		}

		head, err := handle.BlockNumber(ctx)
		if err != nil {
			rpcErrors++
			w.logger.Warn("Head poll failed", "chain", req.Chain, "error", err)
			continue
		}
		if lastHead == 0 {
			lastHead = head
			continue
		}
		if head < lastHead {
			result.ProvidersDrifts++
			result.Anomalies = append(result.Anomalies, models.Anomaly{
				Rule:        "multi_rpc_drift",
				Description: "observed chain head moved backwards across providers",
				ObservedAt:  time.Now().UTC(),
			})
			lastHead = head
			continue
		}
		if head == lastHead {
			continue
		}

		logs, err := handle.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(lastHead + 1),
			ToBlock:   new(big.Int).SetUint64(head),
			Addresses: []common.Address{address},
		})
		if err != nil {
			rpcErrors++
			w.logger.Warn("Log poll failed", "chain", req.Chain, "error", err)
			continue
		}
		result.BlocksObserved += int(head - lastHead)
		lastHead = head

		for _, lg := range logs {
			if a := checkLargeTransfer(lg); a != nil {
				result.Anomalies = append(result.Anomalies, *a)
			}
		}
	}
}

func (w *Worker) finish(result *models.MonitoringResult, rpcErrors int, reason string) *stages.Response {
	status := models.StageStatusCompleted
	if rpcErrors > 0 || reason != "" {
		status = models.StageStatusPartial
	}
	return &stages.Response{
		Stage:       models.StageMonitoring,
		StageStatus: status,
		Error:       reason,
		Monitoring:  result,
	}
}

// checkLargeTransfer applies the large-value transfer rule to one log.
func checkLargeTransfer(lg types.Log) *models.Anomaly {
	if len(lg.Topics) == 0 || lg.Topics[0] != transferTopic {
		return nil
	}
	if len(lg.Data) < 32 {
		return nil
	}
	value := new(big.Int).SetBytes(lg.Data[:32])
	if value.Cmp(largeTransferWei) < 0 {
		return nil
	}
	return &models.Anomaly{
		Rule:        "large_transfer",
		Description: "transfer value " + value.String() + " exceeds threshold",
		TxHash:      lg.TxHash.Hex(),
		ObservedAt:  time.Now().UTC(),
	}
}

package rpcpool

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Handle is a typed read client bound to the pool's failover policy.
// Every method transparently retries on another provider when the current
// one fails with a retryable error.
type Handle struct {
	pool *Pool
}

// BlockNumber returns the latest block number.
func (h *Handle) BlockNumber(ctx context.Context) (uint64, error) {
	var out uint64
	err := h.pool.do(ctx, func(callCtx context.Context, prov *provider) error {
		n, err := prov.eth.BlockNumber(callCtx)
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

// BalanceAt returns the wei balance of account at the latest block.
func (h *Handle) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	var out *big.Int
	err := h.pool.do(ctx, func(callCtx context.Context, prov *provider) error {
		b, err := prov.eth.BalanceAt(callCtx, account, nil)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// CodeAt returns the contract bytecode at addr (latest block).
func (h *Handle) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var out []byte
	err := h.pool.do(ctx, func(callCtx context.Context, prov *provider) error {
		code, err := prov.eth.CodeAt(callCtx, addr, nil)
		if err != nil {
			return err
		}
		out = code
		return nil
	})
	return out, err
}

// TransactionReceipt returns the receipt for txHash.
func (h *Handle) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var out *types.Receipt
	err := h.pool.do(ctx, func(callCtx context.Context, prov *provider) error {
		r, err := prov.eth.TransactionReceipt(callCtx, txHash)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// FilterLogs executes a log filter query.
func (h *Handle) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	err := h.pool.do(ctx, func(callCtx context.Context, prov *provider) error {
		logs, err := prov.eth.FilterLogs(callCtx, q)
		if err != nil {
			return err
		}
		out = logs
		return nil
	})
	return out, err
}

// CallContract executes a read-only contract call at the latest block.
func (h *Handle) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := h.pool.do(ctx, func(callCtx context.Context, prov *provider) error {
		res, err := prov.eth.CallContract(callCtx, msg, nil)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// EstimateGas estimates gas for msg.
func (h *Handle) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var out uint64
	err := h.pool.do(ctx, func(callCtx context.Context, prov *provider) error {
		gas, err := prov.eth.EstimateGas(callCtx, msg)
		if err != nil {
			return err
		}
		out = gas
		return nil
	})
	return out, err
}

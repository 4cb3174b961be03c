package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// transferTopic is keccak256("Transfer(address,address,uint256)")
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// AccountTransfer is a value transfer decoded from a block
type AccountTransfer struct {
	TxID  string
	To    common.Address
	Value *big.Int
}

// TokenTransfer is a decoded ERC-20 Transfer log
type TokenTransfer struct {
	TxID  string
	Block uint64
	To    common.Address
	Value *big.Int
}

// TxInclusion is the receipt status of a previously matched transaction
type TxInclusion struct {
	Found    bool
	Block    uint64
	Reverted bool
}

// AccountNode is the view of an account-model chain used by NativeAccountVerifier
type AccountNode interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTransfers(ctx context.Context, number uint64) ([]AccountTransfer, error)
	TransactionBlock(ctx context.Context, txID string) (TxInclusion, error)
}

// TokenLogReader is the view of an ERC-20 ledger used by TokenLedgerVerifier
type TokenLogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransferLogs(ctx context.Context, contract common.Address, recipient common.Address, from, to uint64) ([]TokenTransfer, error)
	TransactionBlock(ctx context.Context, txID string) (TxInclusion, error)
}

// EthNode adapts an Ethereum JSON-RPC endpoint to AccountNode and TokenLogReader
type EthNode struct {
	client  *ethclient.Client
	limiter *rate.Limiter
}

// DialEthNode connects to rpcURL
func DialEthNode(ctx context.Context, rpcURL string, limiter *rate.Limiter) (*EthNode, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return &EthNode{client: client, limiter: limiter}, nil
}

func (n *EthNode) Close() {
	n.client.Close()
}

func (n *EthNode) wait(ctx context.Context) error {
	if n.limiter == nil {
		return nil
	}
	return n.limiter.Wait(ctx)
}

func (n *EthNode) BlockNumber(ctx context.Context) (uint64, error) {
	if err := n.wait(ctx); err != nil {
		return 0, err
	}
	return n.client.BlockNumber(ctx)
}

func (n *EthNode) BlockTransfers(ctx context.Context, number uint64) ([]AccountTransfer, error) {
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	block, err := n.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %d: %w", number, err)
	}

	var transfers []AccountTransfer
	for _, tx := range block.Transactions() {
		if tx.To() == nil || tx.Value().Sign() <= 0 {
			continue
		}
		transfers = append(transfers, AccountTransfer{
			TxID:  tx.Hash().Hex(),
			To:    *tx.To(),
			Value: tx.Value(),
		})
	}
	return transfers, nil
}

func (n *EthNode) TransactionBlock(ctx context.Context, txID string) (TxInclusion, error) {
	if err := n.wait(ctx); err != nil {
		return TxInclusion{}, err
	}
	receipt, err := n.client.TransactionReceipt(ctx, common.HexToHash(txID))
	if errors.Is(err, ethereum.NotFound) {
		return TxInclusion{}, nil
	}
	if err != nil {
		return TxInclusion{}, fmt.Errorf("failed to fetch receipt %s: %w", txID, err)
	}
	return TxInclusion{
		Found:    true,
		Block:    receipt.BlockNumber.Uint64(),
		Reverted: receipt.Status == ethtypes.ReceiptStatusFailed,
	}, nil
}

func (n *EthNode) TransferLogs(ctx context.Context, contract common.Address, recipient common.Address, from, to uint64) ([]TokenTransfer, error) {
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{transferTopic}, nil, {addressTopic(recipient)}},
	}
	logs, err := n.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs %d-%d: %w", from, to, err)
	}

	transfers := make([]TokenTransfer, 0, len(logs))
	for _, lg := range logs {
		if transfer, ok := decodeTransferLog(lg); ok {
			transfers = append(transfers, transfer)
		}
	}
	return transfers, nil
}

// addressTopic left-pads an address to a 32-byte indexed topic
func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

// decodeTransferLog decodes Transfer(address indexed from, address indexed to, uint256 value)
func decodeTransferLog(lg ethtypes.Log) (TokenTransfer, bool) {
	if lg.Removed || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic || len(lg.Data) < 32 {
		return TokenTransfer{}, false
	}
	return TokenTransfer{
		TxID:  lg.TxHash.Hex(),
		Block: lg.BlockNumber,
		To:    common.BytesToAddress(lg.Topics[2].Bytes()),
		Value: new(big.Int).SetBytes(lg.Data[:32]),
	}, true
}

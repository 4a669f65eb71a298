package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferLog(token, from, to common.Address, amount int64) *types.Log {
	amt := common.LeftPadBytes(big.NewInt(amount).Bytes(), 32)
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: amt,
	}
}

func TestDecodeTransferLogs(t *testing.T) {
	token := common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	transfers := DecodeTransferLogs([]*types.Log{transferLog(token, from, to, 1500)})
	require.Len(t, transfers, 1)
	assert.Equal(t, from.Hex(), transfers[0].From)
	assert.Equal(t, to.Hex(), transfers[0].To)
	assert.Equal(t, token.Hex(), transfers[0].Asset)
	assert.Equal(t, int64(1500), transfers[0].Amount.Int64())
}

func TestDecodeTransferLogsIgnoresOtherEvents(t *testing.T) {
	token := common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")

	// Approval event: different topic0.
	approval := &types.Log{
		Address: token,
		Topics: []common.Hash{
			common.HexToHash("0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925"),
			common.BytesToHash(common.HexToAddress("0x1").Bytes()),
			common.BytesToHash(common.HexToAddress("0x2").Bytes()),
		},
		Data: make([]byte, 32),
	}
	// Transfer with missing indexed topics (ERC-721 style or malformed).
	short := &types.Log{
		Address: token,
		Topics:  []common.Hash{transferTopic},
		Data:    make([]byte, 32),
	}

	assert.Empty(t, DecodeTransferLogs([]*types.Log{approval, short}))
}

func TestDecodeTransferLogsMultiple(t *testing.T) {
	token := common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	a := common.HexToAddress("0xaaa1")
	b := common.HexToAddress("0xbbb1")

	transfers := DecodeTransferLogs([]*types.Log{
		transferLog(token, a, b, 100),
		transferLog(token, b, a, 200),
	})
	require.Len(t, transfers, 2)
	assert.Equal(t, int64(100), transfers[0].Amount.Int64())
	assert.Equal(t, int64(200), transfers[1].Amount.Int64())
}

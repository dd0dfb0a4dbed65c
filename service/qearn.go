package service

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/pkg/errors"

	"go-qearn-stats/model"
)

const (
	lockInfoPerEpochInput       = 1
	burnBoostStatsPerEpochInput = 8

	epochInputSize = 4

	// percentages are returned as fixed point with five decimals
	percentScale = 100000.0
)

var ErrEmptyResponse = errors.New("empty response data")

// QearnContract builds the per-epoch queries of the staking contract at Index.
type QearnContract struct {
	Index uint32
}

func (c QearnContract) LockInfoQuery(epoch uint32) model.Query {
	return c.epochQuery(lockInfoPerEpochInput, epoch)
}

func (c QearnContract) BurnBoostQuery(epoch uint32) model.Query {
	return c.epochQuery(burnBoostStatsPerEpochInput, epoch)
}

func (c QearnContract) epochQuery(inputType, epoch uint32) model.Query {
	buf := make([]byte, epochInputSize)
	binary.LittleEndian.PutUint32(buf, epoch)
	return model.Query{
		ContractIndex: c.Index,
		InputType:     inputType,
		InputSize:     epochInputSize,
		RequestData:   base64.StdEncoding.EncodeToString(buf),
	}
}

/* This method decodes a lock-info response: five little endian uint64 values */
func DecodeLockInfo(result *model.QueryResult) (*model.LockInfo, error) {
	words, err := decodeWords(result, 5)
	if err != nil {
		return nil, errors.Wrap(err, "decode lock info")
	}
	return &model.LockInfo{
		LockAmount:          words[0],
		BonusAmount:         words[1],
		CurrentLockedAmount: words[2],
		CurrentBonusAmount:  words[3],
		YieldPercentage:     float64(words[4]) / percentScale,
	}, nil
}

/* This method decodes a burned/boosted response: six little endian uint64 values */
func DecodeBurnBoostStats(result *model.QueryResult) (*model.BurnBoostStats, error) {
	words, err := decodeWords(result, 6)
	if err != nil {
		return nil, errors.Wrap(err, "decode burn/boost stats")
	}
	return &model.BurnBoostStats{
		BurnAmount:      words[0],
		BurnPercent:     float64(words[1]) / percentScale,
		BoostAmount:     words[2],
		BoostPercent:    float64(words[3]) / percentScale,
		RewardedAmount:  words[4],
		RewardedPercent: float64(words[5]) / percentScale,
	}, nil
}

func decodeWords(result *model.QueryResult, n int) ([]uint64, error) {
	if result == nil || result.ResponseData == "" {
		return nil, ErrEmptyResponse
	}
	raw, err := base64.StdEncoding.DecodeString(result.ResponseData)
	if err != nil {
		return nil, errors.Wrap(err, "base64")
	}
	if len(raw) < n*8 {
		return nil, errors.Errorf("short response: %d bytes, want %d", len(raw), n*8)
	}
	words := make([]uint64, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return words, nil
}

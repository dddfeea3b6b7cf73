package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// Shared view calls and events, identical across schema versions.
const commonABI = `
  {"type":"function","name":"getMarketParticipants","stateMutability":"view",
   "inputs":[{"name":"marketId","type":"uint256"}],
   "outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"getUserStake","stateMutability":"view",
   "inputs":[{"name":"marketId","type":"uint256"},{"name":"user","type":"address"},{"name":"tokenType","type":"uint8"}],
   "outputs":[{"name":"yesAmount","type":"uint256"},{"name":"noAmount","type":"uint256"},{"name":"claimed","type":"bool"}]},
  {"type":"function","name":"nextMarketId","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"MarketCreated","anonymous":false,
   "inputs":[{"name":"marketId","type":"uint256","indexed":true},{"name":"creator","type":"address","indexed":true},{"name":"question","type":"string","indexed":false}]},
  {"type":"event","name":"StakePlaced","anonymous":false,
   "inputs":[{"name":"marketId","type":"uint256","indexed":true},{"name":"user","type":"address","indexed":true},{"name":"isYes","type":"bool","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"tokenType","type":"uint8","indexed":false}]},
  {"type":"event","name":"MarketResolved","anonymous":false,
   "inputs":[{"name":"marketId","type":"uint256","indexed":true},{"name":"outcome","type":"uint8","indexed":false}]},
  {"type":"event","name":"MarketCancelled","anonymous":false,
   "inputs":[{"name":"marketId","type":"uint256","indexed":true}]},
  {"type":"event","name":"WinningsClaimed","anonymous":false,
   "inputs":[{"name":"marketId","type":"uint256","indexed":true},{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"tokenType","type":"uint8","indexed":false}]}`

const v1MarketABI = `
  {"type":"function","name":"getMarket","stateMutability":"view",
   "inputs":[{"name":"marketId","type":"uint256"}],
   "outputs":[
     {"name":"question","type":"string"},
     {"name":"category","type":"string"},
     {"name":"endTime","type":"uint256"},
     {"name":"createdAt","type":"uint256"},
     {"name":"creator","type":"address"},
     {"name":"yesPool","type":"uint256"},
     {"name":"noPool","type":"uint256"},
     {"name":"altYesPool","type":"uint256"},
     {"name":"altNoPool","type":"uint256"},
     {"name":"resolved","type":"bool"},
     {"name":"outcome","type":"bool"}]}`

const v2MarketABI = `
  {"type":"function","name":"getMarket","stateMutability":"view",
   "inputs":[{"name":"marketId","type":"uint256"}],
   "outputs":[
     {"name":"question","type":"string"},
     {"name":"category","type":"string"},
     {"name":"endTime","type":"uint256"},
     {"name":"createdAt","type":"uint256"},
     {"name":"creator","type":"address"},
     {"name":"pools","type":"uint256[6]"},
     {"name":"resolved","type":"bool"},
     {"name":"outcome","type":"uint8"},
     {"name":"cancelled","type":"bool"},
     {"name":"approved","type":"bool"}]}`

const (
	methodGetMarket    = "getMarket"
	methodParticipants = "getMarketParticipants"
	methodUserStake    = "getUserStake"
	methodNextMarketID = "nextMarketId"
)

// ContractABI returns the parsed ABI for a schema version.
func ContractABI(v domain.SchemaVersion) (abi.ABI, error) {
	var market string
	switch v {
	case domain.SchemaV1:
		market = v1MarketABI
	case domain.SchemaV2:
		market = v2MarketABI
	default:
		return abi.ABI{}, fmt.Errorf("chain: abi: %w: %q", domain.ErrUnknownVersion, v)
	}
	parsed, err := abi.JSON(strings.NewReader("[" + market + "," + commonABI + "]"))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("chain: abi %s: %w", v, err)
	}
	return parsed, nil
}

package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/metrics"
)

// Backend is the subset of *ethclient.Client the reader uses.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ Backend = (*ethclient.Client)(nil)

// ReaderConfig configures an EthReader.
type ReaderConfig struct {
	Version      domain.SchemaVersion
	Address      string
	LogChunkSize uint64
}

// EthReader implements domain.ChainReader over a JSON-RPC backend for one
// deployed contract.
type EthReader struct {
	backend   Backend
	abi       abi.ABI
	version   domain.SchemaVersion
	address   common.Address
	chunkSize uint64
	eventIDs  map[common.Hash]string
	logger    *slog.Logger
}

// Compile-time interface check.
var _ domain.ChainReader = (*EthReader)(nil)

// Dial connects to an RPC endpoint. The returned client is shared by every
// contract reader and must be closed by the caller.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return client, nil
}

// NewEthReader builds a reader for the contract at cfg.Address.
func NewEthReader(backend Backend, cfg ReaderConfig, logger *slog.Logger) (*EthReader, error) {
	if !common.IsHexAddress(cfg.Address) {
		return nil, fmt.Errorf("chain: invalid contract address %q", cfg.Address)
	}
	parsed, err := ContractABI(cfg.Version)
	if err != nil {
		return nil, err
	}
	chunk := cfg.LogChunkSize
	if chunk == 0 {
		chunk = 2000
	}
	ids := make(map[common.Hash]string, len(parsed.Events))
	for name, ev := range parsed.Events {
		ids[ev.ID] = name
	}
	return &EthReader{
		backend:   backend,
		abi:       parsed,
		version:   cfg.Version,
		address:   common.HexToAddress(cfg.Address),
		chunkSize: chunk,
		eventIDs:  ids,
		logger:    logger.With(slog.String("component", "chain_reader"), slog.String("version", string(cfg.Version))),
	}, nil
}

// Version returns the schema version this reader decodes.
func (r *EthReader) Version() domain.SchemaVersion { return r.version }

// ReadMarket calls getMarket and decodes the version-specific tuple.
func (r *EthReader) ReadMarket(ctx context.Context, id uint64) (domain.RawMarket, error) {
	const op = "read_market"
	out, err := r.call(ctx, op, methodGetMarket, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	switch r.version {
	case domain.SchemaV1:
		return decodeMarketV1(op, id, out)
	default:
		return decodeMarketV2(op, id, out)
	}
}

// ReadParticipants calls getMarketParticipants.
func (r *EthReader) ReadParticipants(ctx context.Context, id uint64) ([]string, error) {
	const op = "read_participants"
	out, err := r.call(ctx, op, methodParticipants, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		return nil, shapeErr(op, "participants", out[0])
	}
	res := make([]string, 0, len(addrs))
	for _, a := range addrs {
		res = append(res, domain.NormalizeAddress(a.Hex()))
	}
	return res, nil
}

// ReadStake calls getUserStake for one token type.
func (r *EthReader) ReadStake(ctx context.Context, id uint64, owner string, tt domain.TokenType) (domain.Position, error) {
	const op = "read_stake"
	if !r.version.Supports(tt) {
		return domain.Position{}, domain.NewChainError(domain.KindDataShape, op,
			fmt.Errorf("%w: %s on %s", domain.ErrUnsupportedToken, tt, r.version))
	}
	if !common.IsHexAddress(owner) {
		return domain.Position{}, domain.NewChainError(domain.KindDataShape, op, fmt.Errorf("invalid owner address %q", owner))
	}
	out, err := r.call(ctx, op, methodUserStake, new(big.Int).SetUint64(id), common.HexToAddress(owner), uint8(tt))
	if err != nil {
		return domain.Position{}, err
	}
	yes, ok1 := out[0].(*big.Int)
	no, ok2 := out[1].(*big.Int)
	claimed, ok3 := out[2].(bool)
	if !ok1 || !ok2 || !ok3 {
		return domain.Position{}, shapeErr(op, "stake", out)
	}
	return domain.Position{Yes: yes, No: no, Claimed: claimed}, nil
}

// ReadEntityCount calls nextMarketId.
func (r *EthReader) ReadEntityCount(ctx context.Context) (uint64, error) {
	const op = "read_entity_count"
	out, err := r.call(ctx, op, methodNextMarketID)
	if err != nil {
		return 0, err
	}
	n, ok := out[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, shapeErr(op, "nextMarketId", out[0])
	}
	return n.Uint64(), nil
}

// ReadLatestBlock returns the current head block number.
func (r *EthReader) ReadLatestBlock(ctx context.Context) (uint64, error) {
	const op = "read_latest_block"
	start := time.Now()
	n, err := r.backend.BlockNumber(ctx)
	observe(op, start, err)
	if err != nil {
		return 0, Classify(op, err)
	}
	return n, nil
}

// ReadEventLogs walks [fromBlock, toBlock] in chunks and decodes every log
// that names a market. Chunks are read sequentially; the first failing chunk
// aborts the walk.
func (r *EthReader) ReadEventLogs(ctx context.Context, fromBlock, toBlock uint64, filter domain.LogFilter) ([]domain.ChainEvent, error) {
	const op = "read_event_logs"
	if fromBlock > toBlock {
		return nil, nil
	}
	topics, err := r.eventTopics(filter)
	if err != nil {
		return nil, domain.NewChainError(domain.KindDataShape, op, err)
	}

	var events []domain.ChainEvent
	for start := fromBlock; start <= toBlock; {
		end := min(start+r.chunkSize-1, toBlock)
		q := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{r.address},
			Topics:    [][]common.Hash{topics},
		}
		begin := time.Now()
		logs, err := r.backend.FilterLogs(ctx, q)
		observe(op, begin, err)
		if err != nil {
			return nil, Classify(op, fmt.Errorf("blocks %d-%d: %w", start, end, err))
		}
		for _, l := range logs {
			ev, ok := r.decodeLog(l)
			if !ok {
				r.logger.DebugContext(ctx, "skipping undecodable log",
					slog.Uint64("block", l.BlockNumber),
					slog.String("tx", l.TxHash.Hex()),
				)
				continue
			}
			events = append(events, ev)
		}
		if end == toBlock {
			break
		}
		start = end + 1
	}
	return events, nil
}

func (r *EthReader) eventTopics(filter domain.LogFilter) ([]common.Hash, error) {
	names := filter.Events
	if len(names) == 0 {
		names = []string{
			domain.EventMarketCreated,
			domain.EventStakePlaced,
			domain.EventMarketResolved,
			domain.EventMarketCancelled,
			domain.EventWinningsClaimed,
		}
	}
	topics := make([]common.Hash, 0, len(names))
	for _, name := range names {
		ev, ok := r.abi.Events[name]
		if !ok {
			return nil, fmt.Errorf("unknown event %q", name)
		}
		topics = append(topics, ev.ID)
	}
	return topics, nil
}

func (r *EthReader) decodeLog(l types.Log) (domain.ChainEvent, bool) {
	if l.Removed || len(l.Topics) < 2 {
		return domain.ChainEvent{}, false
	}
	name, ok := r.eventIDs[l.Topics[0]]
	if !ok {
		return domain.ChainEvent{}, false
	}
	num := new(big.Int).SetBytes(l.Topics[1].Bytes())
	if !num.IsUint64() {
		return domain.ChainEvent{}, false
	}
	return domain.ChainEvent{
		Name:      name,
		MarketNum: num.Uint64(),
		Block:     l.BlockNumber,
		TxHash:    l.TxHash.Hex(),
		LogIndex:  l.Index,
	}, true
}

// call packs, executes and unpacks a view call. Empty return data means the
// contract has no such entity.
func (r *EthReader) call(ctx context.Context, op, method string, args ...any) ([]any, error) {
	input, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, domain.NewChainError(domain.KindDataShape, op, fmt.Errorf("pack %s: %w", method, err))
	}
	start := time.Now()
	data, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: input}, nil)
	observe(op, start, err)
	if err != nil {
		return nil, Classify(op, err)
	}
	if len(data) == 0 {
		return nil, domain.NewChainError(domain.KindNotFound, op, errors.New("empty return data"))
	}
	out, err := r.abi.Unpack(method, data)
	if err != nil {
		return nil, domain.NewChainError(domain.KindDataShape, op, fmt.Errorf("unpack %s: %w", method, err))
	}
	if len(out) == 0 {
		return nil, domain.NewChainError(domain.KindDataShape, op, fmt.Errorf("unpack %s: no values", method))
	}
	return out, nil
}

func decodeMarketV1(op string, id uint64, out []any) (domain.RawMarket, error) {
	if len(out) != 11 {
		return nil, shapeErr(op, "v1 market arity", len(out))
	}
	var (
		m  = domain.RawMarketV1{Num: id}
		ok = true
	)
	check := func(good bool) { ok = ok && good }

	var good bool
	m.Question, good = out[0].(string)
	check(good)
	m.Category, good = out[1].(string)
	check(good)
	m.EndTime, good = out[2].(*big.Int)
	check(good)
	m.CreatedAt, good = out[3].(*big.Int)
	check(good)
	creator, good := out[4].(common.Address)
	check(good)
	m.YesPool, good = out[5].(*big.Int)
	check(good)
	m.NoPool, good = out[6].(*big.Int)
	check(good)
	m.AltYesPool, good = out[7].(*big.Int)
	check(good)
	m.AltNoPool, good = out[8].(*big.Int)
	check(good)
	m.Resolved, good = out[9].(bool)
	check(good)
	m.Outcome, good = out[10].(bool)
	check(good)
	if !ok {
		return nil, shapeErr(op, "v1 market", out)
	}
	if creator == (common.Address{}) {
		return nil, domain.NewChainError(domain.KindNotFound, op, fmt.Errorf("market %d has zero creator", id))
	}
	m.Creator = domain.NormalizeAddress(creator.Hex())
	return m, nil
}

func decodeMarketV2(op string, id uint64, out []any) (domain.RawMarket, error) {
	if len(out) != 10 {
		return nil, shapeErr(op, "v2 market arity", len(out))
	}
	var (
		m  = domain.RawMarketV2{Num: id}
		ok = true
	)
	check := func(good bool) { ok = ok && good }

	var good bool
	m.Question, good = out[0].(string)
	check(good)
	m.Category, good = out[1].(string)
	check(good)
	m.EndTime, good = out[2].(*big.Int)
	check(good)
	m.CreatedAt, good = out[3].(*big.Int)
	check(good)
	creator, good := out[4].(common.Address)
	check(good)
	m.Pools, good = out[5].([6]*big.Int)
	check(good)
	m.Resolved, good = out[6].(bool)
	check(good)
	m.Outcome, good = out[7].(uint8)
	check(good)
	m.Cancelled, good = out[8].(bool)
	check(good)
	m.Approved, good = out[9].(bool)
	check(good)
	if !ok {
		return nil, shapeErr(op, "v2 market", out)
	}
	if creator == (common.Address{}) {
		return nil, domain.NewChainError(domain.KindNotFound, op, fmt.Errorf("market %d has zero creator", id))
	}
	m.Creator = domain.NormalizeAddress(creator.Hex())
	return m, nil
}

func shapeErr(op, what string, got any) error {
	return domain.NewChainError(domain.KindDataShape, op, fmt.Errorf("unexpected %s: %T", what, got))
}

func observe(op string, start time.Time, err error) {
	metrics.ChainCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ChainCalls.WithLabelValues(op, result).Inc()
}

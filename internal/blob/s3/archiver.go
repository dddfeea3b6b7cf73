package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

const (
	snapshotPrefix = "snapshots/"
	// Snapshots above this size go through the multipart uploader.
	multipartThreshold = 16 * 1024 * 1024
)

// snapshotLine is one JSONL row of a cache snapshot.
type snapshotLine struct {
	Kind   string               `json:"kind"`
	Market *domain.MarketRecord `json:"market,omitempty"`
	Stake  *domain.StakeRecord  `json:"stake,omitempty"`
	Key    string               `json:"key,omitempty"`
	Value  uint64               `json:"value,omitempty"`
}

const (
	lineMarket = "market"
	lineStake  = "stake"
	lineCursor = "cursor"
)

// SnapshotArchiver exports the market and stake caches, plus every cursor, to
// JSONL objects and restores them into an empty cache for cold starts.
type SnapshotArchiver struct {
	blobs      domain.BlobStore
	markets    domain.MarketCache
	stakes     domain.StakeCache
	cursors    domain.CursorStore
	cursorKeys []string
	audit      domain.AuditStore
	logger     *slog.Logger
}

// Compile-time interface check.
var _ domain.SnapshotArchiver = (*SnapshotArchiver)(nil)

// NewSnapshotArchiver creates an archiver. audit may be nil.
func NewSnapshotArchiver(
	blobs domain.BlobStore,
	markets domain.MarketCache,
	stakes domain.StakeCache,
	cursors domain.CursorStore,
	cursorKeys []string,
	audit domain.AuditStore,
	logger *slog.Logger,
) *SnapshotArchiver {
	return &SnapshotArchiver{
		blobs:      blobs,
		markets:    markets,
		stakes:     stakes,
		cursors:    cursors,
		cursorKeys: cursorKeys,
		audit:      audit,
		logger:     logger.With(slog.String("component", "snapshot_archiver")),
	}
}

// Export writes a snapshot taken at `at` and returns its object path.
func (a *SnapshotArchiver) Export(ctx context.Context, at time.Time) (string, error) {
	markets, err := a.markets.List(ctx, domain.MarketFilter{})
	if err != nil {
		return "", fmt.Errorf("s3blob: snapshot list markets: %w", err)
	}

	var lines []snapshotLine
	stakeCount := 0
	for i := range markets {
		lines = append(lines, snapshotLine{Kind: lineMarket, Market: &markets[i]})
		stakes, err := a.stakes.ListByMarket(ctx, markets[i].ID)
		if err != nil {
			return "", fmt.Errorf("s3blob: snapshot list stakes %s: %w", markets[i].ID, err)
		}
		for j := range stakes {
			lines = append(lines, snapshotLine{Kind: lineStake, Stake: &stakes[j]})
		}
		stakeCount += len(stakes)
	}
	for _, key := range a.cursorKeys {
		v, err := a.cursors.Get(ctx, key)
		if err != nil {
			return "", fmt.Errorf("s3blob: snapshot cursor %s: %w", key, err)
		}
		lines = append(lines, snapshotLine{Kind: lineCursor, Key: key, Value: v})
	}

	buf, err := marshalJSONL(lines)
	if err != nil {
		return "", fmt.Errorf("s3blob: snapshot marshal: %w", err)
	}

	path := snapshotPath(at)
	if len(buf) > multipartThreshold {
		err = a.blobs.PutMultipart(ctx, path, bytes.NewReader(buf), multipartThreshold)
	} else {
		err = a.blobs.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: snapshot upload: %w", err)
	}

	a.logger.InfoContext(ctx, "snapshot exported",
		slog.String("path", path),
		slog.Int("markets", len(markets)),
		slog.Int("stakes", stakeCount),
	)
	a.auditLog(ctx, "archive.snapshot", map[string]any{
		"path":    path,
		"markets": len(markets),
		"stakes":  stakeCount,
	})
	return path, nil
}

// Restore loads the snapshot at path into the caches and returns the number
// of records written. An empty path restores the latest snapshot. Records are
// merged: claimed stakes are never reverted and cursors never move backwards.
func (a *SnapshotArchiver) Restore(ctx context.Context, path string) (int, error) {
	if path == "" {
		latest, err := a.Latest(ctx)
		if err != nil {
			return 0, err
		}
		path = latest
	}

	body, err := a.blobs.Get(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: restore: %w", err)
	}
	defer body.Close()

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	written := 0
	for lineNo := 1; sc.Scan(); lineNo++ {
		var ln snapshotLine
		if err := json.Unmarshal(sc.Bytes(), &ln); err != nil {
			return written, fmt.Errorf("s3blob: restore %s line %d: %w", path, lineNo, err)
		}
		ok, err := a.restoreLine(ctx, ln)
		if err != nil {
			return written, fmt.Errorf("s3blob: restore %s line %d: %w", path, lineNo, err)
		}
		if ok {
			written++
		}
	}
	if err := sc.Err(); err != nil {
		return written, fmt.Errorf("s3blob: restore %s: %w", path, err)
	}

	a.logger.InfoContext(ctx, "snapshot restored", slog.String("path", path), slog.Int("records", written))
	a.auditLog(ctx, "archive.restore", map[string]any{"path": path, "records": written})
	return written, nil
}

func (a *SnapshotArchiver) restoreLine(ctx context.Context, ln snapshotLine) (bool, error) {
	switch ln.Kind {
	case lineMarket:
		if ln.Market == nil {
			return false, errors.New("market line without record")
		}
		var prev *domain.MarketRecord
		if cur, err := a.markets.Get(ctx, ln.Market.ID); err == nil {
			prev = &cur
		} else if !errors.Is(err, domain.ErrNotFound) {
			return false, err
		}
		return true, a.markets.Put(ctx, *ln.Market, prev)
	case lineStake:
		if ln.Stake == nil {
			return false, errors.New("stake line without record")
		}
		err := a.stakes.Put(ctx, *ln.Stake)
		if errors.Is(err, domain.ErrClaimRegression) {
			return false, nil
		}
		return err == nil, err
	case lineCursor:
		err := a.cursors.Advance(ctx, ln.Key, ln.Value)
		if errors.Is(err, domain.ErrCursorRegression) {
			return false, nil
		}
		return err == nil, err
	default:
		return false, fmt.Errorf("unknown line kind %q", ln.Kind)
	}
}

// Latest returns the path of the newest snapshot.
func (a *SnapshotArchiver) Latest(ctx context.Context) (string, error) {
	paths, err := a.snapshots(ctx)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("s3blob: no snapshots: %w", domain.ErrNotFound)
	}
	return paths[len(paths)-1], nil
}

// Prune deletes all but the newest keep snapshots and returns how many were
// removed.
func (a *SnapshotArchiver) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	paths, err := a.snapshots(ctx)
	if err != nil {
		return 0, err
	}
	if len(paths) <= keep {
		return 0, nil
	}
	stale := paths[:len(paths)-keep]
	for i, p := range stale {
		if err := a.blobs.Delete(ctx, p); err != nil {
			return i, fmt.Errorf("s3blob: prune: %w", err)
		}
	}
	return len(stale), nil
}

// snapshots lists snapshot paths oldest first. Paths embed a sortable UTC
// timestamp so lexical order is chronological.
func (a *SnapshotArchiver) snapshots(ctx context.Context) ([]string, error) {
	infos, err := a.blobs.List(ctx, snapshotPrefix)
	if err != nil {
		return nil, fmt.Errorf("s3blob: list snapshots: %w", err)
	}
	paths := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".jsonl") {
			paths = append(paths, info.Path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (a *SnapshotArchiver) auditLog(ctx context.Context, event string, detail map[string]any) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Log(ctx, event, detail); err != nil {
		a.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// snapshotPath partitions snapshots by day:
//
//	snapshots/2026/10/15/20261015T120000Z.jsonl
func snapshotPath(at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s%s/%s.jsonl", snapshotPrefix, at.Format("2006/01/02"), at.Format("20060102T150405Z"))
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

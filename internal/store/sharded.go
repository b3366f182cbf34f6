package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"mailroom/internal/types"
)

// Property store key layout for sharded ticket records. The index is the only
// structure read in full; it holds one entry per calendar day.
const (
	ticketIndexKey     = "tickets:index"
	ticketShardPrefix  = "tickets:shard:" // + shardID -> JSON array of record IDs
	ticketRecordPrefix = "tickets:"       // + shardID + ":" + id -> encoded record
)

// gzipPrefix marks a stored value as gzip-compressed and base64-encoded.
const gzipPrefix = "gz:"

// shardIDLayout derives a shard ID from a record's creation date. Date-shaped
// shard IDs sort lexicographically, so newest-first shard order is a reverse
// string sort.
const shardIDLayout = "2006-01-02"

// shardLockPrefix names the per-shard lock serializing manifest and index
// updates for one calendar day.
const shardLockPrefix = "shard:"

// shardLockTimeout bounds the wait for a shard's lock. The critical section
// is two reads and two writes.
const shardLockTimeout = 2 * time.Second

// ShardedStore persists ticket records over the size-limited property store,
// sharded by creation date. Pagination walks shards newest-first and consumes
// only the records needed to fill the requested page; the full key space is
// never enumerated.
//
// Multi-key updates (record, shard manifest, index) are best-effort
// sequential, not transactional. A crash between them can leave the index
// under-counting; the index is advisory for pagination, not a source of truth
// for record existence. The manifest and index writes themselves are
// read-modify-write on shared keys, so they run under the shard's distributed
// lock; two concurrent saves into the same day must not each write back a
// manifest missing the other's record.
type ShardedStore struct {
	props         PropertyStore
	locks         Locker
	maxValueBytes int
	compress      bool
	maxPageSize   int
	logger        *slog.Logger
	nowFn         func() time.Time
}

// ShardedStoreConfig holds the configuration for creating a ShardedStore.
type ShardedStoreConfig struct {
	Props         PropertyStore
	Locks         Locker
	MaxValueBytes int
	Compress      bool
	MaxPageSize   int
	Logger        *slog.Logger
	NowFn         func() time.Time // nil uses time.Now
}

// NewShardedStore creates a ShardedStore over the given property store.
func NewShardedStore(cfg ShardedStoreConfig) *ShardedStore {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	maxPage := cfg.MaxPageSize
	if maxPage <= 0 {
		maxPage = 100
	}
	return &ShardedStore{
		props:         cfg.Props,
		locks:         cfg.Locks,
		maxValueBytes: cfg.MaxValueBytes,
		compress:      cfg.Compress,
		maxPageSize:   maxPage,
		logger:        logger,
		nowFn:         nowFn,
	}
}

// Save persists a ticket record under its date shard. Records whose encoded
// size exceeds the store's per-value ceiling are rejected with
// record_too_large; they are never truncated.
//
// The shard index entry for the record's creation date is created on first
// write. The manifest append and index update run under the shard's lock, so
// concurrent saves into the same day serialize instead of overwriting each
// other's appends.
func (s *ShardedStore) Save(ctx context.Context, t *types.Ticket) error {
	if t.ID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "ticket ID is required", nil)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.nowFn().UTC()
	}
	t.ShardID = t.CreatedAt.UTC().Format(shardIDLayout)

	encoded, err := s.encode(t)
	if err != nil {
		return err
	}
	if s.maxValueBytes > 0 && len(encoded) > s.maxValueBytes {
		return types.NewAppErrorWithDetails(
			types.ErrCodeRecordTooLarge,
			"serialized ticket exceeds per-value store ceiling",
			nil,
			map[string]any{"ticket_id": t.ID, "size": len(encoded), "ceiling": s.maxValueBytes},
		)
	}

	// Write order: record, shard manifest, index. A crash mid-sequence leaves
	// the record reachable on the next manifest write or orphaned but
	// harmless; the index only under-counts. The record key is unique per ID,
	// so only the manifest and index need the shard lock.
	if err := s.props.Set(ctx, ticketRecordPrefix+t.ShardID+":"+t.ID, encoded); err != nil {
		return fmt.Errorf("writing ticket record %s: %w", t.ID, err)
	}

	return s.locks.WithLock(ctx, shardLockPrefix+t.ShardID, shardLockTimeout, func(ctx context.Context) error {
		ids, err := s.readManifest(ctx, t.ShardID)
		if err != nil {
			return err
		}
		ids = append(ids, t.ID)
		if err := s.writeManifest(ctx, t.ShardID, ids); err != nil {
			return err
		}

		index, err := s.readIndex(ctx)
		if err != nil {
			return err
		}
		entry, ok := index[t.ShardID]
		if !ok {
			entry = types.ShardIndexEntry{CreatedAt: s.nowFn().UTC()}
		}
		entry.Count = len(ids)
		index[t.ShardID] = entry
		if err := s.writeIndex(ctx, index); err != nil {
			return err
		}

		s.logger.DebugContext(ctx, "ticket saved",
			"ticket_id", t.ID,
			"shard_id", t.ShardID,
			"shard_count", entry.Count,
		)
		return nil
	})
}

// ListPaginated returns one page of tickets, newest shard first and newest
// record first within a shard. TotalCount is the sum of shard counts from the
// index.
func (s *ShardedStore) ListPaginated(ctx context.Context, page, pageSize int) (*types.TicketPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > s.maxPageSize {
		pageSize = s.maxPageSize
	}

	index, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}

	shardIDs := make([]string, 0, len(index))
	total := 0
	for id, entry := range index {
		shardIDs = append(shardIDs, id)
		total += entry.Count
	}
	// Newest first: date-shaped shard IDs reverse-sort chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(shardIDs)))

	result := &types.TicketPage{
		Records:    []types.Ticket{},
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
	}

	skip := (page - 1) * pageSize
	for _, shardID := range shardIDs {
		if len(result.Records) >= pageSize {
			break
		}
		count := index[shardID].Count
		if skip >= count {
			// The whole shard falls before the requested page; the manifest
			// and records are never read.
			skip -= count
			continue
		}

		ids, err := s.readManifest(ctx, shardID)
		if err != nil {
			return nil, err
		}
		// Manifest order is creation order; walk it backwards for newest-first.
		for i := len(ids) - 1; i >= 0 && len(result.Records) < pageSize; i-- {
			if skip > 0 {
				skip--
				continue
			}
			t, ok, err := s.getRecord(ctx, shardID, ids[i])
			if err != nil {
				return nil, err
			}
			if !ok {
				// Manifest ahead of a crashed record write; skip, don't fail.
				s.logger.WarnContext(ctx, "ticket in manifest but record missing",
					"shard_id", shardID,
					"ticket_id", ids[i],
				)
				continue
			}
			result.Records = append(result.Records, *t)
		}
	}

	return result, nil
}

// getRecord loads and decodes one ticket record.
func (s *ShardedStore) getRecord(ctx context.Context, shardID, id string) (*types.Ticket, bool, error) {
	raw, ok, err := s.props.Get(ctx, ticketRecordPrefix+shardID+":"+id)
	if err != nil {
		return nil, false, fmt.Errorf("reading ticket record %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	t, err := s.decode(raw)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// encode serializes a ticket to its stored string form, gzip-compressing when
// enabled and when compression actually shrinks the value.
func (s *ShardedStore) encode(t *types.Ticket) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalStore, "failed to marshal ticket", err)
	}
	if !s.compress {
		return string(raw), nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalStore, "failed to compress ticket", err)
	}
	if err := zw.Close(); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalStore, "failed to compress ticket", err)
	}

	compressed := gzipPrefix + base64.StdEncoding.EncodeToString(buf.Bytes())
	if len(compressed) >= len(raw) {
		// Small payloads can grow under gzip+base64; store the plain form.
		return string(raw), nil
	}
	return compressed, nil
}

// decode reverses encode.
func (s *ShardedStore) decode(raw string) (*types.Ticket, error) {
	data := []byte(raw)
	if strings.HasPrefix(raw, gzipPrefix) {
		compressed, err := base64.StdEncoding.DecodeString(raw[len(gzipPrefix):])
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to decode compressed ticket", err)
		}
		zr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to decompress ticket", err)
		}
		defer zr.Close()
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to decompress ticket", err)
		}
	}

	var t types.Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to unmarshal ticket", err)
	}
	return &t, nil
}

// readIndex loads the shard index, returning an empty map when absent.
func (s *ShardedStore) readIndex(ctx context.Context) (map[string]types.ShardIndexEntry, error) {
	raw, ok, err := s.props.Get(ctx, ticketIndexKey)
	if err != nil {
		return nil, fmt.Errorf("reading shard index: %w", err)
	}
	index := make(map[string]types.ShardIndexEntry)
	if !ok {
		return index, nil
	}
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "shard index is corrupt", err)
	}
	return index, nil
}

func (s *ShardedStore) writeIndex(ctx context.Context, index map[string]types.ShardIndexEntry) error {
	raw, err := json.Marshal(index)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to marshal shard index", err)
	}
	if err := s.props.Set(ctx, ticketIndexKey, string(raw)); err != nil {
		return fmt.Errorf("writing shard index: %w", err)
	}
	return nil
}

// readManifest loads one shard's ordered record ID list.
func (s *ShardedStore) readManifest(ctx context.Context, shardID string) ([]string, error) {
	raw, ok, err := s.props.Get(ctx, ticketShardPrefix+shardID)
	if err != nil {
		return nil, fmt.Errorf("reading shard manifest %s: %w", shardID, err)
	}
	if !ok {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "shard manifest is corrupt", err)
	}
	return ids, nil
}

func (s *ShardedStore) writeManifest(ctx context.Context, shardID string, ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to marshal shard manifest", err)
	}
	if err := s.props.Set(ctx, ticketShardPrefix+shardID, string(raw)); err != nil {
		return fmt.Errorf("writing shard manifest %s: %w", shardID, err)
	}
	return nil
}

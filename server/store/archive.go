package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ExportLedger streams every match record to w as zstd-compressed JSON
// lines, oldest first. Returns the number of records written. The stream
// is self-contained: a zstd reader over it yields one JSON object per
// line.
func ExportLedger(ctx context.Context, st Store, w io.Writer) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("export ledger: %w", err)
	}
	enc := json.NewEncoder(zw)
	count := 0
	err = st.LedgerScan(ctx, func(rec MatchRecord) error {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record %d: %w", rec.ID, err)
		}
		count++
		return nil
	})
	if err != nil {
		zw.Close()
		return count, fmt.Errorf("export ledger: %w", err)
	}
	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("export ledger: %w", err)
	}
	return count, nil
}

// ImportLedger reads a stream produced by ExportLedger and returns the
// records in order. Used by offline tooling and tests; it does not write
// to any store.
func ImportLedger(r io.Reader) ([]MatchRecord, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("import ledger: %w", err)
	}
	defer zr.Close()
	dec := json.NewDecoder(zr)
	var out []MatchRecord
	for {
		var rec MatchRecord
		if err := dec.Decode(&rec); err == io.EOF {
			return out, nil
		} else if err != nil {
			return nil, fmt.Errorf("import ledger: %w", err)
		}
		out = append(out, rec)
	}
}

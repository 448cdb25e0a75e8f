package journal

import (
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/arturkryukov/xstore/internal/oid"
	"github.com/arturkryukov/xstore/internal/txn"
)

// record is the on-disk, JSON-serializable shape of one committed
// batch — a Transaction stripped of its completion callbacks, which
// cannot cross a restart (spec §4.3 "the journal stores exactly the
// bytes needed to replay, nothing that depends on process state").
// CRC is 0 when the record was written under the sloppy-CRC debug
// toggle (m_filestore_sloppy_crc): omitted on write, unchecked on read.
type record struct {
	Seq   uint64     `json:"seq"`
	Batch []txRecord `json:"batch"`
	CRC   uint32     `json:"crc,omitempty"`
}

type txRecord struct {
	Collections []oid.CollectionID `json:"collections"`
	Objects     []oid.ID           `json:"objects"`
	Ops         []txn.Op           `json:"ops"`
}

func toRecord(seq uint64, txns []*txn.Transaction, sloppyCRC bool) (record, error) {
	r := record{Seq: seq, Batch: make([]txRecord, len(txns))}
	for i, t := range txns {
		r.Batch[i] = txRecord{Collections: t.Collections, Objects: t.Objects, Ops: t.Ops}
	}
	if sloppyCRC {
		return r, nil
	}
	b, err := json.Marshal(r.Batch)
	if err != nil {
		return record{}, err
	}
	r.CRC = crc32.ChecksumIEEE(b)
	return r, nil
}

func (r record) toTransactions() []*txn.Transaction {
	out := make([]*txn.Transaction, len(r.Batch))
	for i, tr := range r.Batch {
		out[i] = &txn.Transaction{Collections: tr.Collections, Objects: tr.Objects, Ops: tr.Ops}
	}
	return out
}

// verifyCRC reports a mismatch between the stored CRC and the batch it
// covers. A zero CRC (sloppy write, or a record predating the toggle)
// is never checked.
func (r record) verifyCRC() error {
	if r.CRC == 0 {
		return nil
	}
	b, err := json.Marshal(r.Batch)
	if err != nil {
		return err
	}
	if crc32.ChecksumIEEE(b) != r.CRC {
		return fmt.Errorf("journal record seq=%d: crc mismatch, journal corrupt", r.Seq)
	}
	return nil
}

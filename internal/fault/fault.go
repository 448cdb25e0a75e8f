// Пакет fault реализует обработку фатальных ошибок движка: условия,
// после которых дальнейшее применение транзакций небезопасно (нехватка
// места при записи/setattr, повреждение журнала) логируются с дампом
// операции и приводят к остановке процесса (spec §7 "Fatal conditions
// abort the process before a partial apply can be observed").
package fault

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/arturkryukov/xstore/internal/oid"
	"github.com/arturkryukov/xstore/internal/txn"
)

// Handler turns a fatal condition into a log line, an optional
// transaction dump, and a configurable termination action, defaulting
// to os.Exit(1) so tests can substitute their own hook instead of
// killing the test binary.
type Handler struct {
	logger   *slog.Logger
	onFatal  func(reason string, err error)
	dumpPath string
}

// New creates a Handler logging through logger. onFatal defaults to
// os.Exit(1) when nil. dumpPath, if non-empty, is the directory
// Fatal writes a JSON transaction dump into before aborting (spec §7
// "aborts the process ... after dumping the transaction",
// config.TransactionDumpPath).
func New(logger *slog.Logger, onFatal func(reason string, err error), dumpPath string) *Handler {
	if onFatal == nil {
		onFatal = func(string, error) { os.Exit(1) }
	}
	return &Handler{logger: logger.With(slog.String("component", "fault")), onFatal: onFatal, dumpPath: dumpPath}
}

// Fatal logs reason and err at error level, dumps txns to
// dumpPath/txn-dump-<UTC timestamp>.json when a dump path and offending
// transaction are both available, then invokes the configured
// termination hook. Callers that reach this point must return
// immediately afterward — the hook is not guaranteed to stop execution
// (e.g. in tests), so the caller's own returned error still matters.
func (h *Handler) Fatal(reason string, txns []*txn.Transaction, err error) {
	h.logger.Error("fatal condition", slog.String("reason", reason), slog.String("error", errString(err)))
	if path, dumpErr := h.dump(txns); dumpErr != nil {
		h.logger.Error("transaction dump failed", slog.String("error", dumpErr.Error()))
	} else if path != "" {
		h.logger.Info("transaction dumped", slog.String("path", path))
	}
	h.onFatal(reason, err)
}

// dump writes txns as JSON to a fresh file under dumpPath. Returns
// ("", nil) when there is nothing to dump (no dumpPath configured, or
// no offending transaction available).
func (h *Handler) dump(txns []*txn.Transaction) (string, error) {
	if h.dumpPath == "" || len(txns) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(h.dumpPath, 0o750); err != nil {
		return "", err
	}
	dumps := make([]txnDump, len(txns))
	for i, t := range txns {
		dumps[i] = txnDump{Collections: t.Collections, Objects: t.Objects, Ops: t.Ops}
	}
	b, err := json.MarshalIndent(dumps, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(h.dumpPath, "txn-dump-"+time.Now().UTC().Format("20060102T150405.000000000Z")+".json")
	if err := os.WriteFile(path, b, 0o640); err != nil {
		return "", err
	}
	return path, nil
}

// txnDump strips a Transaction's callback fields, which json.Marshal
// cannot encode, keeping only the op stream a postmortem needs.
type txnDump struct {
	Collections []oid.CollectionID `json:"collections"`
	Objects     []oid.ID           `json:"objects"`
	Ops         []txn.Op           `json:"ops"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

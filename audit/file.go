// Package audit provides append-only ledgers for admission events. Records
// are hash-chained so reconciliation can detect truncation or tampering.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"admitd/core"
)

// Record is one ledger line: the event plus its position in the hash chain.
type Record struct {
	Index     int64           `json:"index"`
	Timestamp time.Time       `json:"timestamp"`
	Event     core.AuditEvent `json:"event"`
	PrevHash  string          `json:"prev_hash,omitempty"`
	Hash      string          `json:"hash"`
}

// FileLedger appends JSON lines to a single events file. On start it replays
// the file to resume the chain.
type FileLedger struct {
	mu         sync.Mutex
	eventsPath string
	lastIndex  int64
	lastHash   string
}

func NewFileLedger(dataDir string) (*FileLedger, error) {
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}

	ledger := &FileLedger{
		eventsPath: filepath.Join(dataDir, "events.log"),
	}
	if err := ledger.loadState(); err != nil {
		return nil, err
	}
	return ledger, nil
}

func (l *FileLedger) Record(ctx context.Context, event core.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	index := l.lastIndex + 1
	rec := Record{
		Index:     index,
		Timestamp: time.Now().UTC(),
		Event:     event,
		PrevHash:  l.lastHash,
		Hash:      chainHash(l.lastHash, index, payload),
	}

	if err := appendJSONLine(l.eventsPath, rec); err != nil {
		return err
	}

	l.lastIndex = rec.Index
	l.lastHash = rec.Hash
	return nil
}

// LastIndex returns the index of the most recent record.
func (l *FileLedger) LastIndex() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIndex
}

// Verify replays the events file and checks the hash chain.
func (l *FileLedger) Verify() error {
	file, err := os.Open(l.eventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	var prevHash string
	var prevIndex int64

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 5*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		if rec.Index != prevIndex+1 {
			return fmt.Errorf("gap in ledger at index %d", rec.Index)
		}
		if rec.PrevHash != prevHash {
			return fmt.Errorf("broken chain at index %d", rec.Index)
		}
		payload, err := json.Marshal(rec.Event)
		if err != nil {
			return err
		}
		if rec.Hash != chainHash(prevHash, rec.Index, payload) {
			return fmt.Errorf("hash mismatch at index %d", rec.Index)
		}
		prevHash = rec.Hash
		prevIndex = rec.Index
	}
	return scanner.Err()
}

func (l *FileLedger) loadState() error {
	file, err := os.OpenFile(l.eventsPath, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 5*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		l.lastIndex = rec.Index
		l.lastHash = rec.Hash
	}
	return scanner.Err()
}

func chainHash(prevHash string, index int64, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	fmt.Fprintf(h, "|%d|", index)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func appendJSONLine(path string, v interface{}) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/uhyunpark/hypermarket/pkg/app/core/transaction"
)

// Journal records finished transactions, one JSON line each.
type Journal interface {
	Append(tx *transaction.Transaction) error
}

type NopJournal struct{}

func NewNopJournal() *NopJournal                              { return &NopJournal{} }
func (j *NopJournal) Append(_ *transaction.Transaction) error { return nil }

type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

func (j *FileJournal) Append(tx *transaction.Transaction) error {
	line, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = fmt.Fprintln(j.f, string(line))
	return err
}

func (j *FileJournal) Close() error { return j.f.Close() }

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)

package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// FileLog is a Log that keeps every instance in memory and writes it through
// to one JSON file per instance, so a restarted process can find the sagas
// that were in flight when it stopped.
type FileLog struct {
	*MemoryLog
	basePath string
	mu       sync.Mutex // serialises file writes
}

// OpenFileLog opens (or creates) a file log rooted at basePath and loads
// every instance previously written there.
func OpenFileLog(basePath string) (*FileLog, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	f := &FileLog{MemoryLog: NewMemoryLog(), basePath: basePath}
	entries, err := os.ReadDir(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(basePath, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read saga file %s: %w", entry.Name(), err)
		}
		var inst Instance
		if err := json.Unmarshal(data, &inst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal saga file %s: %w", entry.Name(), err)
		}
		f.MemoryLog.restore(&inst)
	}
	return f, nil
}

// CreateSagaLog implements Log.
func (f *FileLog) CreateSagaLog(ctx context.Context, sagaType, sagaID string, payload Data) (int64, error) {
	logID, err := f.MemoryLog.CreateSagaLog(ctx, sagaType, sagaID, payload)
	if err != nil {
		return 0, err
	}
	return logID, f.flush(ctx, logID)
}

// UpdateSagaState implements Log.
func (f *FileLog) UpdateSagaState(ctx context.Context, logID int64, state SagaState, result Data, errorMessage string) error {
	if err := f.MemoryLog.UpdateSagaState(ctx, logID, state, result, errorMessage); err != nil {
		return err
	}
	return f.flush(ctx, logID)
}

// AddSagaStep implements Log.
func (f *FileLog) AddSagaStep(ctx context.Context, logID int64, stepName string, stepOrder int, payload Data) (int64, error) {
	stepID, err := f.MemoryLog.AddSagaStep(ctx, logID, stepName, stepOrder, payload)
	if err != nil {
		return 0, err
	}
	return stepID, f.flush(ctx, logID)
}

// CompleteStep implements Log.
func (f *FileLog) CompleteStep(ctx context.Context, stepID int64, result, compensationData Data) error {
	if err := f.MemoryLog.CompleteStep(ctx, stepID, result, compensationData); err != nil {
		return err
	}
	return f.flushStep(ctx, stepID)
}

// FailStep implements Log.
func (f *FileLog) FailStep(ctx context.Context, stepID int64, errorMessage string) error {
	if err := f.MemoryLog.FailStep(ctx, stepID, errorMessage); err != nil {
		return err
	}
	return f.flushStep(ctx, stepID)
}

// CompensateStep implements Log.
func (f *FileLog) CompensateStep(ctx context.Context, stepID int64, result Data) error {
	if err := f.MemoryLog.CompensateStep(ctx, stepID, result); err != nil {
		return err
	}
	return f.flushStep(ctx, stepID)
}

func (f *FileLog) flushStep(ctx context.Context, stepID int64) error {
	logID, ok := f.MemoryLog.logIDForStep(stepID)
	if !ok {
		return fmt.Errorf("saga step %d: %w", stepID, ErrNotFound)
	}
	return f.flush(ctx, logID)
}

// flush writes the current snapshot of one instance to disk atomically.
func (f *FileLog) flush(ctx context.Context, logID int64) error {
	inst, err := f.MemoryLog.GetSagaLog(ctx, logID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal saga log %d: %w", logID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	filename := f.filename(logID)
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write saga file: %w", err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("failed to replace saga file: %w", err)
	}
	return nil
}

// filename returns the full path for an instance's file.
func (f *FileLog) filename(logID int64) string {
	return filepath.Join(f.basePath, strconv.FormatInt(logID, 10)+".json")
}

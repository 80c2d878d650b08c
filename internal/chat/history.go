package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dvhoward/stackpilot/internal/orchestrator"
)

// HistoryExport is the serialized shape of a downloaded history page.
type HistoryExport struct {
	ProjectID  string                 `json:"project_id"`
	SessionID  string                 `json:"session_id,omitempty"`
	ExportedAt time.Time              `json:"exported_at"`
	Messages   []orchestrator.Message `json:"messages"`
}

// HistoryFetcher is the slice of the orchestrator client that history
// download needs.
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, projectID, sessionID string, limit int) ([]orchestrator.Message, error)
}

// DownloadHistory fetches up to limit persisted messages and writes them as a
// JSON file at path.
func DownloadHistory(ctx context.Context, fetcher HistoryFetcher, projectID, sessionID string, limit int, path string) (*HistoryExport, error) {
	msgs, err := fetcher.FetchMessages(ctx, projectID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	export := &HistoryExport{
		ProjectID:  projectID,
		SessionID:  sessionID,
		ExportedAt: time.Now().UTC(),
		Messages:   msgs,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write history file: %w", err)
	}
	return export, nil
}

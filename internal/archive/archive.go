package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/darkhaniop/simple-task-api-htc/internal/htc"
)

// Record is the archived form of a terminal cluster.
type Record struct {
	Cluster    htc.Cluster    `json:"cluster"`
	Task       *htc.Task      `json:"task"`
	Events     []htc.JobEvent `json:"events"`
	ArchivedAt time.Time      `json:"archivedAt"`
}

type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

func objectName(clusterID int64) string {
	return fmt.Sprintf("clusters/%d.json", clusterID)
}

func encode(rec Record) ([]byte, error) {
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now().UTC()
	}
	return json.MarshalIndent(rec, "", "  ")
}

// LocalArchiver writes one JSON file per cluster under Dir.
type LocalArchiver struct {
	Dir string
}

func NewLocalArchiver(dir string) (*LocalArchiver, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive dir is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, "clusters"), 0o755); err != nil {
		return nil, err
	}
	return &LocalArchiver{Dir: dir}, nil
}

func (a *LocalArchiver) Archive(_ context.Context, rec Record) error {
	b, err := encode(rec)
	if err != nil {
		return err
	}
	path := filepath.Join(a.Dir, filepath.FromSlash(objectName(rec.Cluster.ID)))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads back an archived cluster.
func (a *LocalArchiver) Load(clusterID int64) (Record, error) {
	var rec Record
	b, err := os.ReadFile(filepath.Join(a.Dir, filepath.FromSlash(objectName(clusterID))))
	if err != nil {
		return rec, err
	}
	err = json.Unmarshal(b, &rec)
	return rec, err
}

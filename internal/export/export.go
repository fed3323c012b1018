// Package export turns finished scan sessions into portable documents: an
// indented JSON file for archiving and a plain-text report for terminals.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anstrom/portsim/internal/errors"
	"github.com/anstrom/portsim/internal/scanning"
)

const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// Document is the exported form of a finished session.
type Document struct {
	SessionID    string                `json:"session_id"`
	Target       string                `json:"target"`
	ScanTime     string                `json:"scan_time"`
	Duration     int64                 `json:"duration"`
	Method       scanning.Method       `json:"method"`
	Status       scanning.State        `json:"status"`
	Timeout      float64               `json:"timeout"`
	MaxWorkers   int                   `json:"max_workers"`
	BannerGrab   bool                  `json:"banner_grab"`
	PortsScanned int                   `json:"ports_scanned"`
	OpenPorts    int                   `json:"open_ports"`
	Results      []scanning.PortResult `json:"results"`
}

// Serialize builds the export document for a completed or stopped session.
// Running sessions are rejected.
func Serialize(session *scanning.Session) (Document, error) {
	if session == nil {
		return Document{}, errors.ErrNoActiveScan()
	}
	state := session.State()
	if !state.Terminal() {
		return Document{}, errors.ErrScanNotFinished(session.ID())
	}

	req := session.Request()
	results := session.Results()
	return Document{
		SessionID:    session.ID(),
		Target:       req.Target,
		ScanTime:     session.StartTime().UTC().Format(scanning.TimestampFormat),
		Duration:     session.Duration().Milliseconds(),
		Method:       req.Method,
		Status:       state,
		Timeout:      req.Timeout,
		MaxWorkers:   req.MaxWorkers,
		BannerGrab:   req.BannerGrab,
		PortsScanned: len(results),
		OpenPorts:    session.OpenCount(),
		Results:      results,
	}, nil
}

// Write encodes doc as indented JSON.
func Write(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// FileName returns portscan-<target>-<unix ms>.json with the target made
// safe for file systems.
func FileName(target string, t time.Time) string {
	return fmt.Sprintf("portscan-%s-%d.json", sanitize(target), t.UnixMilli())
}

func sanitize(target string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(target))
	clean = strings.Trim(clean, ".")
	if clean == "" {
		return "target"
	}
	return clean
}

// Save writes doc into dir under FileName and returns the file path.
func Save(dir string, doc Document, now time.Time) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", errors.WrapStorageError(errors.CodeDirectoryCreate,
			"Failed to create export directory", err).WithOperation("export")
	}
	path := filepath.Join(dir, FileName(doc.Target, now))
	if err := WriteFile(path, doc); err != nil {
		return "", err
	}
	return path, nil
}

// WriteFile writes doc to path, replacing any existing file.
func WriteFile(path string, doc Document) (err error) {
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return errors.WrapStorageError(errors.CodeFilePermission,
			"Failed to create export file", err).WithOperation("export")
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()
	return Write(f, doc)
}

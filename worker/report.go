package worker

import (
	"fmt"
	"path/filepath"

	"github.com/web3guy0/polymaker/internal/fsutil"
	"github.com/web3guy0/polymaker/types"
)

// ReportPath is where the worker for id leaves its exit report under dir.
func ReportPath(dir, id string) string {
	return filepath.Join(dir, "exit_"+id+".json")
}

// WriteReport publishes rep at path atomically.
func WriteReport(path string, rep types.ExitReport) error {
	if err := fsutil.WriteJSON(path, rep); err != nil {
		return fmt.Errorf("write exit report: %w", err)
	}
	return nil
}

// ReadReport loads an exit report. A missing file wraps os.ErrNotExist.
func ReadReport(path string) (types.ExitReport, error) {
	var rep types.ExitReport
	if err := fsutil.ReadJSON(path, &rep); err != nil {
		return types.ExitReport{}, fmt.Errorf("read exit report: %w", err)
	}
	return rep, nil
}

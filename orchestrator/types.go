package orchestrator

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/maastricht-university/soundscan/config"
	"github.com/maastricht-university/soundscan/identification"
	"github.com/maastricht-university/soundscan/worker"
)

// ScanRequest is the immutable input of one scan.
type ScanRequest struct {
	ID         string
	Files      []string // absolute, deduplicated, in discovery order
	MaxWorkers int
	BatchSize  int
	InProcess  bool
	Worker     worker.Options
}

// NewScanRequest validates cfg and enumerates its input files.
func NewScanRequest(cfg *config.Root) (*ScanRequest, error) {
	opts, err := cfg.WorkerOptions()
	if err != nil {
		return nil, err
	}
	if len(opts.Identification.Classes) == 0 {
		return nil, errors.New("no classes selected")
	}
	if !isPowerOfTwo(cfg.Scan.BatchSize) {
		return nil, fmt.Errorf("batch size %d is not a power of two", cfg.Scan.BatchSize)
	}
	files, err := enumerate(cfg.Scan.Paths, cfg.Scan.Recursive, cfg.Scan.Extensions)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no audio files found in %v", cfg.Scan.Paths)
	}
	return &ScanRequest{
		ID:         uuid.NewString(),
		Files:      files,
		MaxWorkers: min(cfg.Scan.MaxWorkers, len(files)),
		BatchSize:  cfg.Scan.BatchSize,
		InProcess:  cfg.Scan.InProcess,
		Worker:     opts,
	}, nil
}

// Report is what the supervisor hands to the output stage once every file
// finished or the scan was cancelled.
type Report struct {
	ScanID      string
	Model       string
	Mode        identification.Mode
	Names       identification.Names
	Calibration []float64
	Results     map[string]identification.Result
	Errors      map[string]*worker.FileError
	// Skipped lists files never scanned because the scan was cancelled.
	Skipped   []string
	Cancelled bool
	Cached    int
}

func newReport(req *ScanRequest, model string, names []string) *Report {
	return &Report{
		ScanID:      req.ID,
		Model:       model,
		Mode:        req.Worker.Mode,
		Names:       names,
		Calibration: req.Worker.Identification.Calibration,
		Results:     make(map[string]identification.Result),
		Errors:      make(map[string]*worker.FileError),
	}
}

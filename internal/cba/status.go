package cba

import (
	"context"
	"fmt"
)

// Status is the report behind `cba status`.
type Status struct {
	Progress  *BackupProgress
	Sources   int
	Providers int
	LastScan  string // empty when no scan pass has completed
}

// OptionLastScanCompleted is the application option the scan loop updates
// after every completed pass (RFC 3339).
const OptionLastScanCompleted = "last_scan_completed"

// GetStatus gathers aggregate progress and configuration counts.
func (s *Service) GetStatus(ctx context.Context) (*Status, error) {
	progress, err := s.index.GetBackupProgress(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading backup progress: %w", err)
	}

	sources, err := s.index.GetAllSourceLocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}

	providers, err := s.index.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}

	lastScan, _, err := s.index.GetOption(ctx, OptionLastScanCompleted)
	if err != nil {
		return nil, fmt.Errorf("reading last scan time: %w", err)
	}

	return &Status{
		Progress:  progress,
		Sources:   len(sources),
		Providers: len(providers),
		LastScan:  lastScan,
	}, nil
}

// Percent returns the share of tracked bytes that are synced, 0-100.
func (p *BackupProgress) Percent() float64 {
	if p.TotalBytes == 0 {
		if p.Total == 0 {
			return 100
		}
		return float64(p.Synced) * 100 / float64(p.Total)
	}
	return float64(p.SyncedBytes) * 100 / float64(p.TotalBytes)
}

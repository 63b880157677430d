package main

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/verdict/scan"
)

// scanFiles scans every file with its own session, at most workers at a
// time. Reports come back in file order. A failed scan is reported, not
// returned; only errors that prevent scanning end the run.
func scanFiles(ctx context.Context, s *scan.Scanner, files []string, workers int) ([]*scan.Report, error) {
	reports := make([]*scan.Report, len(files))

	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			sess, err := s.NewSession()
			if err != nil {
				return err
			}
			report, err := sess.Scan(ctx, data)
			if report == nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if err != nil {
				log.Warningf("%s: %v", path, err)
			}
			report.Source = path
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

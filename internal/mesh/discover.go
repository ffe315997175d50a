/*
Dork - agent messaging and discovery substrate.
Copyright © 2025-2026 The Dork Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package mesh

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dorklabs/dork/internal/mesh/discovery"
)

// ScanOptions derives walk options from the configured scan section.
func (c *Core) ScanOptions() discovery.Options {
	return discovery.Options{
		MaxDepth:       c.scan.MaxDepth,
		Exclude:        c.scan.Exclude,
		FollowSymlinks: c.scan.FollowSymlinks,
		Deny:           c.scan.Deny,
	}
}

// Discover scans the given roots (the configured ones when nil) and
// merges their findings into one stream. A root that cannot be scanned
// is logged and skipped; Discover fails only when no root is usable.
func (c *Core) Discover(ctx context.Context, roots []string, opts discovery.Options) (<-chan discovery.Event, error) {
	if len(roots) == 0 {
		roots = c.scan.Roots
	}
	if len(roots) == 0 {
		return nil, errors.New("mesh: no scan roots configured")
	}

	var chans []<-chan discovery.Event
	for _, root := range roots {
		ch, err := c.scanner.Scan(ctx, root, opts)
		if err != nil {
			c.Log.Error("scan root skipped", err, "root", root)
			continue
		}
		chans = append(chans, ch)
	}
	if len(chans) == 0 {
		return nil, fmt.Errorf("mesh: none of %d scan roots are usable", len(roots))
	}

	out := make(chan discovery.Event)
	var eg errgroup.Group
	for _, ch := range chans {
		ch := ch
		eg.Go(func() error {
			for ev := range ch {
				select {
				case out <- ev:
				case <-ctx.Done():
					// Let the walker behind ch unwind and close.
					for range ch {
					}
					return ctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		if err := eg.Wait(); err != nil {
			c.Log.DebugMsg("discovery interrupted", "reason", err)
		}
		close(out)
	}()
	return out, nil
}

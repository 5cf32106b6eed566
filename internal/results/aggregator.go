// Package results assembles the TestResult of a launched test from the capture
// store and renders it for viewing.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jaystack/device-megatest/internal/capture"
	"github.com/jaystack/device-megatest/internal/testdef"
)

var (
	ErrTestNotFound  = errors.New("test not found")
	ErrInvalidTestID = errors.New("invalid test id")
)

type Aggregator struct {
	store       capture.Store
	logger      *log.Logger
	concurrency int
}

func NewAggregator(store capture.Store, logger *log.Logger) *Aggregator {
	if logger == nil {
		logger = log.Default()
	}
	return &Aggregator{store: store, logger: logger, concurrency: 8}
}

// Aggregate returns the result of testID. Devices whose manifest is not yet
// written come back with empty captures; that is latency, not an error.
func (a *Aggregator) Aggregate(ctx context.Context, testID string) (testdef.TestResult, error) {
	testID = strings.TrimSpace(testID)
	if testID == "" || strings.ContainsAny(testID, "/\\") || strings.Contains(testID, "..") {
		return testdef.TestResult{}, fmt.Errorf("%w: %q", ErrInvalidTestID, testID)
	}

	raw, err := a.store.Get(ctx, capture.DefinitionKey(testID))
	if errors.Is(err, capture.ErrNotFound) {
		return testdef.TestResult{}, fmt.Errorf("%w: %s", ErrTestNotFound, testID)
	}
	if err != nil {
		return testdef.TestResult{}, fmt.Errorf("load test definition: %w", err)
	}
	var def testdef.TestDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return testdef.TestResult{}, fmt.Errorf("decode test definition %s: %w", testID, err)
	}

	result := testdef.TestResult{TestID: def.TestID, Devices: make([]testdef.DeviceResult, len(def.Devices))}
	if result.TestID == "" {
		result.TestID = testID
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.concurrency)
	for i, job := range def.Devices {
		group.Go(func() error {
			captures, err := a.captures(groupCtx, result.TestID, job.DeviceID)
			if err != nil {
				return err
			}
			result.Devices[i] = job.Result(captures)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return testdef.TestResult{}, err
	}
	return result, nil
}

func (a *Aggregator) captures(ctx context.Context, testID, deviceID string) ([]string, error) {
	raw, err := a.store.Get(ctx, capture.ManifestKey(testID, deviceID))
	if errors.Is(err, capture.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load captures for %s: %w", deviceID, err)
	}
	records, err := capture.DecodeManifest(raw)
	if err != nil {
		a.logger.Printf("warn: test=%s device=%s unreadable capture manifest: %v", testID, deviceID, err)
		return nil, nil
	}
	return capture.Keys(records), nil
}

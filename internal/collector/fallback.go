package collector

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// FallbackChain tries sources in declared preference order. A source is
// eligible only when its connectivity check passes (sources without a
// check are always eligible). The first successful fetch wins and its
// records are annotated with the source used.
type FallbackChain struct {
	name    string
	sources []Source
}

// NewFallbackChain builds a chain under a logical name.
func NewFallbackChain(name string, sources ...Source) *FallbackChain {
	return &FallbackChain{name: name, sources: sources}
}

// Fetch walks the chain and returns the first successful output.
func (f *FallbackChain) Fetch(ctx context.Context, req FetchRequest) (*FetchOutput, error) {
	var failures []string
	for _, src := range f.sources {
		if checker, ok := src.(ConnectivityChecker); ok {
			if err := checker.CheckConnectivity(ctx); err != nil {
				log.Warn().Str("chain", f.name).Str("source", src.Name()).Err(err).
					Msg("fallback source ineligible, skipping")
				failures = append(failures, fmt.Sprintf("%s: connectivity: %v", src.Name(), err))
				continue
			}
		}
		out, err := src.Fetch(ctx, req)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", src.Name(), err))
			continue
		}
		out.SourceUsed = src.Name()
		return out, nil
	}
	return nil, fmt.Errorf("all sources in chain %s failed: %s", f.name, strings.Join(failures, "; "))
}

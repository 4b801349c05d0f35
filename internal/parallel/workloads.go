package parallel

import (
	"github.com/aryankumar/testfleet/internal/executor"
	"github.com/aryankumar/testfleet/internal/protocol"
)

// discoveryWork is the set of sources one discovery worker handles
type discoveryWork struct {
	sources []string
}

// executionWork is either a set of sources or a set of test cases
type executionWork struct {
	sources []string
	tests   []protocol.TestCase
}

// items returns the sources or test names of the workload
func (w executionWork) items() []string {
	if len(w.tests) == 0 {
		return w.sources
	}
	names := make([]string, len(w.tests))
	for i, tc := range w.tests {
		names[i] = tc.FullyQualifiedName
	}
	return names
}

// groupByProvider groups items by provider, keeping the order in which
// providers and items first appear
func groupByProvider[T any](items []T, providerOf func(T) string) (providers []string, groups map[string][]T) {
	groups = make(map[string][]T)
	for _, item := range items {
		p := providerOf(item)
		if _, ok := groups[p]; !ok {
			providers = append(providers, p)
		}
		groups[p] = append(groups[p], item)
	}
	return providers, groups
}

// discoveryWorkloads creates one workload per source. Sources sharing a
// provider are kept adjacent so slots switch providers as rarely as possible.
func discoveryWorkloads(criteria protocol.DiscoveryCriteria) []executor.Workload[discoveryWork] {
	sources := nonEmpty(criteria.Sources)
	providers, groups := groupByProvider(sources, criteria.ProviderFor)

	workloads := make([]executor.Workload[discoveryWork], 0, len(sources))
	for _, p := range providers {
		for _, src := range groups[p] {
			workloads = append(workloads, executor.Workload[discoveryWork]{
				Provider: p,
				Work:     discoveryWork{sources: []string{src}},
			})
		}
	}
	return workloads
}

// executionWorkloads creates one workload per source, or splits selected
// test cases of each provider into at most parallelism contiguous chunks
func executionWorkloads(criteria protocol.RunCriteria, parallelism int) []executor.Workload[executionWork] {
	if !criteria.HasSpecificTests() {
		sources := nonEmpty(criteria.Sources)
		providers, groups := groupByProvider(sources, criteria.ProviderFor)

		workloads := make([]executor.Workload[executionWork], 0, len(sources))
		for _, p := range providers {
			for _, src := range groups[p] {
				workloads = append(workloads, executor.Workload[executionWork]{
					Provider: p,
					Work:     executionWork{sources: []string{src}},
				})
			}
		}
		return workloads
	}

	providers, groups := groupByProvider(criteria.Tests, func(tc protocol.TestCase) string {
		return criteria.ProviderFor(tc.Source)
	})

	var workloads []executor.Workload[executionWork]
	for _, p := range providers {
		for _, chunk := range executor.SplitBalanced(groups[p], parallelism) {
			workloads = append(workloads, executor.Workload[executionWork]{
				Provider: p,
				Work:     executionWork{tests: chunk},
			})
		}
	}
	return workloads
}

func nonEmpty(sources []string) []string {
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

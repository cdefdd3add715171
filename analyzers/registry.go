package analyzers

import (
	"fmt"
	"sort"
	"sync"

	"www.velocidex.com/golang/tracesketch/events"
)

// The process wide registry. Populated from init() functions at
// startup and never mutated afterwards, so reads need no coordination
// beyond the registration mutex.
var (
	mu       sync.Mutex
	registry = make(map[string]Analyzer)
)

// RegisterAnalyzer adds an analyzer definition to the global
// registry. It panics on invalid definitions because registration
// only ever happens at init time - a bad definition is a programming
// error, not a runtime condition.
func RegisterAnalyzer(analyzer Analyzer) {
	err := validateDefinition(analyzer)
	if err != nil {
		panic(err)
	}

	mu.Lock()
	defer mu.Unlock()

	_, pres := registry[analyzer.Name()]
	if pres {
		panic(fmt.Sprintf("analyzer %v registered twice", analyzer.Name()))
	}
	registry[analyzer.Name()] = analyzer
}

func GetAnalyzer(name string) (Analyzer, bool) {
	mu.Lock()
	defer mu.Unlock()

	analyzer, pres := registry[name]
	return analyzer, pres
}

func ListAnalyzers() []Analyzer {
	mu.Lock()
	defer mu.Unlock()

	var names []string
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]Analyzer, 0, len(names))
	for _, name := range names {
		result = append(result, registry[name])
	}
	return result
}

func validateDefinition(analyzer Analyzer) error {
	if analyzer.Name() == "" {
		return fmt.Errorf("analyzer with empty name")
	}

	for _, tag := range analyzer.OutputTags() {
		if tag == "" {
			return fmt.Errorf(
				"analyzer %v declares an empty output tag", analyzer.Name())
		}
		if events.IsReservedField(tag) {
			return fmt.Errorf(
				"analyzer %v declares reserved field %v as output",
				analyzer.Name(), tag)
		}
	}

	for _, field := range analyzer.RequiredFields() {
		if field == "" {
			return fmt.Errorf(
				"analyzer %v declares an empty required field",
				analyzer.Name())
		}
	}

	for _, dep := range analyzer.Dependencies() {
		if dep == analyzer.Name() {
			return fmt.Errorf(
				"analyzer %v depends on itself", analyzer.Name())
		}
	}

	return nil
}

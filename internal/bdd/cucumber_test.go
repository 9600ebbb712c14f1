package bdd

import (
	"testing"

	"github.com/cucumber/godog"
)

// TestFeatures runs every scenario in features/ against a fresh in-process
// sqlite-backed engine. There is no HTTP layer and no external services:
// each scenario gets its own backend via the "a fresh in-process sqlite
// backend" step, so scenarios never share state.
func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned from godog suite")
	}
}

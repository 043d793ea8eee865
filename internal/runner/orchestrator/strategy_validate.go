package orchestrator

import (
	"time"

	"github.com/cryptonhq/crypton/internal/execution/strategy"
)

// validateStrategyArtifact reuses the Execution Service's own strategy
// document parser and validator so a malformed or non-compiling
// strategy.json never reaches the file the Strategy Service watches.
func validateStrategyArtifact(raw []byte) error {
	doc, err := strategy.ParseDocument(raw)
	if err != nil {
		return err
	}
	if err := doc.Validate(time.Now().UTC()); err != nil {
		return err
	}
	_, err = strategy.Compile(doc, strategy.ContentID(raw), time.Now().UTC())
	return err
}

package anchor

import (
	"log/slog"
	"sync"
)

// Engine runs relocation and staleness evaluation for one editor instance.
// Its only state is logging: the warning about legacy stale anchors without
// a recorded baseline is emitted once per Engine, so separate editors do not
// share suppression.
type Engine struct {
	logger      *slog.Logger
	missingOnce sync.Once
}

// NewEngine returns an Engine logging to logger, or slog.Default when nil.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

func (e *Engine) warnMissingOriginal(a Anchor) {
	e.missingOnce.Do(func() {
		e.logger.Warn("anchor: stale anchor has no original quoted text, using quoted text as baseline",
			"anchor_id", a.ID)
	})
}

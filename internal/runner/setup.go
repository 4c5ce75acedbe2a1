package runner

import (
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-flow/internal/config"
	"github.com/nidhogg/nuka-flow/internal/provider"
	"github.com/nidhogg/nuka-flow/internal/task"
)

// Deps are the optional backends runners use. Nil fields leave the matching
// source registered but reporting ErrNotConfigured.
type Deps struct {
	Gen   provider.Generator
	Index Searcher
	DB    TxBeginner
	Ask   InputFunc
}

// New registers a runner for every source.
func New(cfg config.RunnersConfig, deps Deps, maxParallel int, logger *zap.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(task.SourceGeneration, Generation{Gen: deps.Gen})
	r.Register(task.SourceAPICall, NewHTTPCall(cfg.HTTPAllowHosts))
	r.Register(task.SourceSearch, Search{Index: deps.Index, TopK: cfg.SearchTopK})

	db := DBQuery{MaxRows: cfg.DBQuery.MaxRows}
	if cfg.DBQuery.Enabled {
		db.DB = deps.DB
	}
	r.Register(task.SourceDBQuery, db)

	ce := CodeExec{WorkDir: cfg.CodeExec.WorkDir}
	if cfg.CodeExec.Enabled {
		ce.Interpreters = cfg.CodeExec.Interpreters
	}
	r.Register(task.SourceCodeExec, ce)
	r.Register(task.SourceFileOp, FileOp{Root: cfg.FileRoot})
	r.Register(task.SourceHumanInput, HumanInput{Ask: deps.Ask})
	r.Register(task.SourceComposite, Composite{Subs: r, Parallel: maxParallel})
	return r
}

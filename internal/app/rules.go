package app

import (
	"context"

	"powersched/internal/config"
	"powersched/internal/ruleset"
	"powersched/internal/storage"
	logx "powersched/pkg/logx"
)

// RuleStore is a rule set opened outside the daemon, for one-shot CLI
// edits. A running daemon picks the change up through its store watcher.
type RuleStore struct {
	Config *config.Config
	Rules  *ruleset.RuleSet
	store  storage.Store
}

// OpenRules loads cfgPath and the rule store it points at. A rule file
// that cannot be parsed is returned as an error so the CLI never
// overwrites it with an empty set.
func OpenRules(ctx context.Context, cfgPath string, log logx.Logger) (*RuleStore, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(mapStorage(cfg), log)
	if err != nil {
		return nil, err
	}
	rs := ruleset.New(st, log, nil)
	if err := rs.Load(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return &RuleStore{Config: cfg, Rules: rs, store: st}, nil
}

func (r *RuleStore) Close() error { return r.store.Close() }

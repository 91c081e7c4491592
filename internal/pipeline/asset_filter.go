package pipeline

import (
	"fmt"
	"sync"

	"github.com/tidemark/tidemark/internal/types"
)

// assetFilter is the built-in "asset" plugin: it includes or excludes
// readings by asset code. Out-of-process filter plugins register the same
// way through Register.
type assetFilter struct {
	name string

	mu     sync.Mutex
	action string // "include" or "exclude"
	assets map[string]bool

	out func(*types.ReadingSet)
}

func init() {
	Register("asset", newAssetFilter)
}

func newAssetFilter(name string, cfg map[string]any) (Filter, error) {
	f := &assetFilter{name: name}
	if err := f.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *assetFilter) Name() string   { return f.name }
func (f *assetFilter) Plugin() string { return "asset" }

func (f *assetFilter) SetOutput(out func(*types.ReadingSet)) {
	f.out = out
}

func (f *assetFilter) Reconfigure(cfg map[string]any) error {
	action := "exclude"
	if v, ok := cfg["action"].(string); ok && v != "" {
		action = v
	}
	if action != "include" && action != "exclude" {
		return fmt.Errorf("asset filter action must be include or exclude, got %q", action)
	}

	assets := map[string]bool{}
	switch v := cfg["assets"].(type) {
	case nil:
	case []any:
		for _, a := range v {
			if s, ok := a.(string); ok {
				assets[s] = true
			}
		}
	case []string:
		for _, s := range v {
			assets[s] = true
		}
	case string:
		assets[v] = true
	default:
		return fmt.Errorf("asset filter assets must be a string or list")
	}

	f.mu.Lock()
	f.action = action
	f.assets = assets
	f.mu.Unlock()
	return nil
}

func (f *assetFilter) Ingest(set *types.ReadingSet) {
	f.mu.Lock()
	action, assets := f.action, f.assets
	f.mu.Unlock()

	in := set.Drain()
	kept := in[:0]
	for _, r := range in {
		matched := assets[r.AssetCode]
		if (action == "exclude") != matched {
			kept = append(kept, r)
		}
	}
	set.Replace(kept)
	if f.out != nil {
		f.out(set)
	}
}

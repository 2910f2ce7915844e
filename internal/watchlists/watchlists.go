package watchlists

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrUnknownWatchlist = errors.New("unknown watchlist")
	ErrUnknownSymbol    = errors.New("symbol not in watchlist")
)

// Watchlists maps a list name to its symbols.
type Watchlists map[string][]string

// Builtins ship with every install and are merged under the user's lists.
var Builtins = Watchlists{
	"indexes": {"SPY", "DAX", "QQQ", "DIA"},
}

// Ensure loads the watchlists file at path, creating an empty one (and
// its directory) if it doesn't exist yet.
func Ensure(path string) (Watchlists, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create watchlists dir: %w", err)
		}
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			return nil, fmt.Errorf("create watchlists file: %w", err)
		}
		return Watchlists{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read watchlists: %w", err)
	}

	wl := Watchlists{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return wl, nil
	}
	if err := json.Unmarshal(raw, &wl); err != nil {
		return nil, fmt.Errorf("parse watchlists %s: %w", path, err)
	}
	return wl, nil
}

func uniqSorted(syms []string) []string {
	seen := make(map[string]struct{}, len(syms))
	out := make([]string, 0, len(syms))
	for _, s := range syms {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Merge returns a new set holding every list of base and extra. Lists
// present in both are unioned.
func Merge(extra, base Watchlists) Watchlists {
	out := make(Watchlists, len(base)+len(extra))
	for name, syms := range base {
		out[name] = append([]string(nil), syms...)
	}
	for name, syms := range extra {
		out[name] = uniqSorted(append(out[name], syms...))
	}
	return out
}

// Add appends symbols to the named list, creating it if needed.
func (w Watchlists) Add(name string, symbols ...string) {
	w[name] = uniqSorted(append(w[name], symbols...))
}

// Remove drops symbol from the named list. A list left empty is deleted.
func (w Watchlists) Remove(name, symbol string) error {
	syms, ok := w[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWatchlist, name)
	}
	for i, s := range syms {
		if s != symbol {
			continue
		}
		syms = append(syms[:i:i], syms[i+1:]...)
		if len(syms) == 0 {
			delete(w, name)
		} else {
			w[name] = syms
		}
		return nil
	}
	return fmt.Errorf("%w: %s in %s", ErrUnknownSymbol, symbol, name)
}

// Delete removes the named list.
func (w Watchlists) Delete(name string) error {
	if _, ok := w[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWatchlist, name)
	}
	delete(w, name)
	return nil
}

// Names returns the list names in order.
func (w Watchlists) Names() []string {
	names := make([]string, 0, len(w))
	for name := range w {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Write saves w to path with every list deduplicated and sorted.
func Write(path string, w Watchlists) error {
	clean := make(Watchlists, len(w))
	for name, syms := range w {
		clean[name] = uniqSorted(syms)
	}
	raw, err := json.MarshalIndent(clean, "", "    ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write watchlists: %w", err)
	}
	return os.Rename(tmp, path)
}

// Package jobcache persists the output location of every completed pipeline
// job, keyed by tier and kind, together with its rerun history.
package jobcache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/withObsrvr/tomo-refiner/internal/job"
	"github.com/withObsrvr/tomo-refiner/internal/logging"
	"github.com/withObsrvr/tomo-refiner/internal/resolution"
)

const (
	CurrentFile = "job_outputs.json"
	HistoryFile = "job_history.json"

	labelPrefix = "iter"
)

// ErrIterationLabel is returned when a completion is recorded under a label
// other than the next one in sequence.
var ErrIterationLabel = errors.New("unexpected iteration label")

// Iteration is one entry of a (tier, kind) history.
type Iteration struct {
	Label    string `json:"label"`
	Location string `json:"location"`
}

// Record is a snapshot of one (tier, kind) pair.
type Record struct {
	Tier       resolution.Tier `json:"-"`
	TierKey    string          `json:"tier"`
	Kind       job.Kind        `json:"kind"`
	Location   string          `json:"location"`
	Iterations []Iteration     `json:"iterations"`
}

type (
	currentDoc map[string]map[string]string
	historyDoc map[string]map[string]map[string]string
)

// Cache is the single source of truth for "has this stage run". It is not
// safe for concurrent writers; one instance serves one pipeline run.
type Cache struct {
	dir     string
	current currentDoc
	history historyDoc
	logger  *slog.Logger
}

// Open loads both documents from dir, creating it if needed. The current
// document is reconciled against the history so an interrupted write is
// repaired before the first lookup.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}

	c := &Cache{
		dir:     dir,
		current: currentDoc{},
		history: historyDoc{},
		logger:  logging.Component("jobcache"),
	}
	if err := readDoc(c.path(CurrentFile), &c.current); err != nil {
		return nil, err
	}
	if err := readDoc(c.path(HistoryFile), &c.history); err != nil {
		return nil, err
	}

	repaired, err := c.reconcile()
	if err != nil {
		return nil, err
	}
	if repaired {
		c.logger.Warn("repaired job cache from history", "dir", dir)
		if err := c.persist(c.current, c.history); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// reconcile makes every current entry agree with the latest history label
// and seeds history for current entries that have none.
func (c *Cache) reconcile() (bool, error) {
	repaired := false
	for tierKey, kinds := range c.history {
		for kind, iters := range kinds {
			latest, ok, err := latestLabel(iters)
			if err != nil {
				return false, fmt.Errorf("history %s/%s: %w", tierKey, kind, err)
			}
			if !ok {
				continue
			}
			loc := iters[formatLabel(latest)]
			if c.current[tierKey][kind] != loc {
				setCurrent(c.current, tierKey, kind, loc)
				repaired = true
			}
		}
	}
	for tierKey, kinds := range c.current {
		for kind, loc := range kinds {
			if len(c.history[tierKey][kind]) == 0 {
				setHistory(c.history, tierKey, kind, formatLabel(1), loc)
				repaired = true
			}
		}
	}
	return repaired, nil
}

// IsCompleted reports whether a record exists for (tier, kind).
func (c *Cache) IsCompleted(tier resolution.Tier, kind job.Kind) bool {
	_, ok := c.Lookup(tier, kind)
	return ok
}

// Lookup returns the current output location for (tier, kind).
func (c *Cache) Lookup(tier resolution.Tier, kind job.Kind) (string, bool) {
	loc, ok := c.current[tier.Key()][string(kind)]
	return loc, ok
}

// NextIterationLabel returns the label the next rerun must be recorded
// under. ok is false when the pair has never completed.
func (c *Cache) NextIterationLabel(tier resolution.Tier, kind job.Kind) (string, bool) {
	last, ok, err := latestLabel(c.history[tier.Key()][string(kind)])
	if err != nil || !ok {
		return "", false
	}
	return formatLabel(last + 1), true
}

// RecordCompletion stores location as the current output for (tier, kind)
// and appends it to the history under label. An empty label seeds iter1 on
// a pair without history. Both documents are durable before it returns.
func (c *Cache) RecordCompletion(tier resolution.Tier, kind job.Kind, location, label string) error {
	tierKey, kindKey := tier.Key(), string(kind)

	want := formatLabel(1)
	if next, ok := c.NextIterationLabel(tier, kind); ok {
		want = next
	}
	if label == "" && want == formatLabel(1) {
		label = want
	}
	if label != want {
		return fmt.Errorf("%w: %s for %s/%s, expected %s", ErrIterationLabel, label, tierKey, kindKey, want)
	}

	current := cloneCurrent(c.current)
	history := cloneHistory(c.history)
	setCurrent(current, tierKey, kindKey, location)
	setHistory(history, tierKey, kindKey, label, location)

	if err := c.persist(current, history); err != nil {
		return err
	}
	c.current, c.history = current, history

	c.logger.Debug("recorded completion",
		"tier", tierKey,
		"kind", kindKey,
		"label", label,
		"location", location,
	)
	return nil
}

// History returns the iterations of (tier, kind) in label order.
func (c *Cache) History(tier resolution.Tier, kind job.Kind) []Iteration {
	return sortedIterations(c.history[tier.Key()][string(kind)])
}

// Snapshot returns every record ordered by tier key then kind.
func (c *Cache) Snapshot() []Record {
	var records []Record
	for tierKey, kinds := range c.current {
		tier, err := resolution.ParseKey(tierKey)
		if err != nil {
			continue
		}
		for kind, loc := range kinds {
			records = append(records, Record{
				Tier:       tier,
				TierKey:    tierKey,
				Kind:       job.Kind(kind),
				Location:   loc,
				Iterations: sortedIterations(c.history[tierKey][kind]),
			})
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].TierKey != records[j].TierKey {
			return records[i].TierKey < records[j].TierKey
		}
		return records[i].Kind < records[j].Kind
	})
	return records
}

// Dir returns the state directory.
func (c *Cache) Dir() string { return c.dir }

func formatLabel(n int) string {
	return labelPrefix + strconv.Itoa(n)
}

func parseLabel(label string) (int, error) {
	if !strings.HasPrefix(label, labelPrefix) {
		return 0, fmt.Errorf("%w: %q", ErrIterationLabel, label)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(label, labelPrefix))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", ErrIterationLabel, label)
	}
	return n, nil
}

func latestLabel(iters map[string]string) (int, bool, error) {
	latest := 0
	for label := range iters {
		n, err := parseLabel(label)
		if err != nil {
			return 0, false, err
		}
		if n > latest {
			latest = n
		}
	}
	return latest, latest > 0, nil
}

func sortedIterations(iters map[string]string) []Iteration {
	out := make([]Iteration, 0, len(iters))
	for label, loc := range iters {
		out = append(out, Iteration{Label: label, Location: loc})
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := parseLabel(out[i].Label)
		b, _ := parseLabel(out[j].Label)
		return a < b
	})
	return out
}

func setCurrent(doc currentDoc, tierKey, kind, loc string) {
	if doc[tierKey] == nil {
		doc[tierKey] = map[string]string{}
	}
	doc[tierKey][kind] = loc
}

func setHistory(doc historyDoc, tierKey, kind, label, loc string) {
	if doc[tierKey] == nil {
		doc[tierKey] = map[string]map[string]string{}
	}
	if doc[tierKey][kind] == nil {
		doc[tierKey][kind] = map[string]string{}
	}
	doc[tierKey][kind][label] = loc
}

func cloneCurrent(doc currentDoc) currentDoc {
	out := make(currentDoc, len(doc))
	for t, kinds := range doc {
		m := make(map[string]string, len(kinds))
		for k, v := range kinds {
			m[k] = v
		}
		out[t] = m
	}
	return out
}

func cloneHistory(doc historyDoc) historyDoc {
	out := make(historyDoc, len(doc))
	for t, kinds := range doc {
		km := make(map[string]map[string]string, len(kinds))
		for k, iters := range kinds {
			im := make(map[string]string, len(iters))
			for l, v := range iters {
				im[l] = v
			}
			km[k] = im
		}
		out[t] = km
	}
	return out
}

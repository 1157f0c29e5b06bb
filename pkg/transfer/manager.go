package transfer

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/logger"
)

// Manager runs transfers and destructive operations over resource sets
type Manager struct {
	logger *zap.Logger
}

// NewManager creates a manager
func NewManager() *Manager {
	return &Manager{logger: logger.With(zap.String("component", "transfer_manager"))}
}

// Run executes the transfers one after the other and stops at the first
// failure. The results of the completed transfers are returned either way.
func (m *Manager) Run(ctx context.Context, transfers []SourceTarget) ([]*Result, error) {
	results := make([]*Result, 0, len(transfers))
	for i, st := range transfers {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := Transfer(ctx, st)
		if err != nil {
			return results, errors.Wrapf(err, errors.ErrorTypeData, "transfer %d of %d", i+1, len(transfers))
		}
		results = append(results, res)
	}
	m.logger.Debug("transfers completed", zap.Int("count", len(results)))
	return results, nil
}

// DropAll drops the resources, children before the parents they reference
func (m *Manager) DropAll(ctx context.Context, paths []*connection.DataPath) error {
	return m.destroy(ctx, "drop", paths, (*connection.DataPath).Drop)
}

// TruncateAll truncates the resources, children before the parents they
// reference
func (m *Manager) TruncateAll(ctx context.Context, paths []*connection.DataPath) error {
	return m.destroy(ctx, "truncate", paths, (*connection.DataPath).Truncate)
}

func (m *Manager) destroy(ctx context.Context, verb string, paths []*connection.DataPath, fn func(*connection.DataPath, context.Context) error) error {
	ordered, err := DependencyOrder(ctx, paths)
	if err != nil {
		return err
	}
	for _, dp := range ordered {
		if err := fn(dp, ctx); err != nil {
			return err
		}
		m.logger.Debug("resource "+verb+" done", zap.String("resource", dp.ID()))
	}
	m.logger.Info(verb+" completed", zap.Int("resources", len(ordered)))
	return nil
}

// DependencyOrder sorts resources so that a resource comes before every
// resource of the set it references through a foreign key. Resources
// without relation come in input order. A reference cycle is an error
// naming the resources involved; self references are ignored.
func DependencyOrder(ctx context.Context, paths []*connection.DataPath) ([]*connection.DataPath, error) {
	index := func(conn, resource string) int {
		for i, dp := range paths {
			if dp.Connection().Name() == conn && strings.EqualFold(dp.Path(), resource) {
				return i
			}
		}
		return -1
	}

	// parents[i] lists the set members referenced by paths[i]; waiting[j]
	// counts the members referencing paths[j] not yet ordered
	parents := make([][]int, len(paths))
	waiting := make([]int, len(paths))
	for i, dp := range paths {
		rel, err := dp.RelationDef(ctx)
		if err != nil {
			return nil, err
		}
		seen := make(map[int]bool)
		for _, fk := range rel.ForeignKeys() {
			j := index(dp.Connection().Name(), fk.ForeignResource)
			if j < 0 || j == i || seen[j] {
				continue
			}
			seen[j] = true
			parents[i] = append(parents[i], j)
			waiting[j]++
		}
	}

	var ready []int
	for i, n := range waiting {
		if n == 0 {
			ready = append(ready, i)
		}
	}
	ordered := make([]*connection.DataPath, 0, len(paths))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		ordered = append(ordered, paths[i])
		for _, j := range parents[i] {
			waiting[j]--
			if waiting[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	if len(ordered) != len(paths) {
		return nil, cycleError(paths, parents, waiting)
	}
	return ordered, nil
}

// cycleError names the resources of the cycle. The unordered resources are
// the cycle members and the parents they reach; parents that reference no
// other unordered resource are pruned until only the cycle is left.
func cycleError(paths []*connection.DataPath, parents [][]int, waiting []int) error {
	left := make(map[int]bool)
	for i, n := range waiting {
		if n > 0 {
			left[i] = true
		}
	}
	for pruned := true; pruned; {
		pruned = false
		for i := range left {
			inCycle := false
			for _, j := range parents[i] {
				if left[j] {
					inCycle = true
					break
				}
			}
			if !inCycle {
				delete(left, i)
				pruned = true
			}
		}
	}
	var cycle []string
	for i, dp := range paths {
		if left[i] {
			cycle = append(cycle, dp.ID())
		}
	}
	return errors.Newf(errors.ErrorTypeValidation, "foreign key cycle between %s", strings.Join(cycle, ", "))
}

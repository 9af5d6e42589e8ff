package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/kindstore/internal/compiler"
	"github.com/roach88/kindstore/internal/repo"
	"github.com/roach88/kindstore/internal/repoerr"
	"github.com/roach88/kindstore/internal/schema"
	"github.com/roach88/kindstore/internal/store"
	"github.com/roach88/kindstore/internal/store/badgerstore"
	"github.com/roach88/kindstore/internal/testutil"
)

// DefaultView is the View used by steps and assertions that name none.
const DefaultView = "main"

// Harness is the scenario execution engine.
// It runs scenarios with a deterministic clock and item ids.
type Harness struct {
	repo   *repo.Repository
	views  map[string]*repo.View
	clock  *testutil.DeterministicClock
	logger *slog.Logger
	seq    int64
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory repository for isolation.
//
// Execution flow:
// 1. Open the in-memory backend and repository
// 2. Load and define the CUE kinds
// 3. Execute steps, checking expected errors
// 4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	backend, err := openBackend(scenario.Backend, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	clock := testutil.NewDeterministicClock()
	seed := scenario.Seed
	if seed == "" {
		seed = scenario.Name
	}
	opts := []repo.Option{
		repo.WithLogger(logger),
		repo.WithClock(clock.Now),
		repo.WithIDs(testutil.NewSequentialIDs(seed).Next),
	}
	if scenario.Policy != "" {
		policy, err := repo.ParsePolicy(scenario.Policy)
		if err != nil {
			backend.Close()
			return nil, err
		}
		opts = append(opts, repo.WithConflictPolicy(policy))
	}

	r, err := repo.New(ctx, backend, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	defer r.Close()

	h := &Harness{
		repo:   r,
		views:  make(map[string]*repo.View),
		clock:  clock,
		logger: logger,
	}
	defer h.closeViews()

	if err := h.loadKinds(ctx, scenario.Kinds); err != nil {
		return nil, fmt.Errorf("failed to load kinds: %w", err)
	}

	result := NewResult()
	if err := h.executeSteps(ctx, scenario.Steps, result); err != nil {
		return nil, fmt.Errorf("failed to execute steps: %w", err)
	}

	actx := &AssertionContext{Ctx: ctx, Repo: r, View: h.view}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	if result.Version, err = r.Version(ctx); err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	return result, nil
}

func openBackend(name string, logger *slog.Logger) (store.Backend, error) {
	switch name {
	case "", repo.BackendSQLite:
		return store.Open(":memory:")
	case repo.BackendBadger:
		return badgerstore.Open(badgerstore.Config{InMemory: true, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

func (h *Harness) loadKinds(ctx context.Context, dir string) error {
	res, err := compiler.LoadDir(dir, h.repo.Registry())
	if err != nil {
		return err
	}
	for _, def := range res.Kinds {
		if _, err := h.repo.DefineKind(ctx, def); err != nil {
			return fmt.Errorf("define %s: %w", def.Name, err)
		}
	}
	return nil
}

// view returns the named View, opening it on first use.
func (h *Harness) view(ctx context.Context, name string) (*repo.View, error) {
	if name == "" {
		name = DefaultView
	}
	if v, ok := h.views[name]; ok {
		return v, nil
	}
	v, err := h.repo.OpenView(ctx, name)
	if err != nil {
		return nil, err
	}
	h.views[name] = v
	return v, nil
}

func (h *Harness) closeViews() {
	names := make([]string, 0, len(h.views))
	for name := range h.views {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		h.views[name].Close()
	}
}

// executeSteps runs all steps in order.
//
// A repository error is compared with the step's expect_error and recorded
// in the trace; only infrastructure failures (opening a View) abort the run.
func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) error {
	for i, step := range steps {
		v, err := h.view(ctx, step.View)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}

		h.seq++
		ev := TraceEvent{
			Seq:  h.seq,
			View: v.Name(),
			Op:   step.Op,
			Path: step.Path,
			Attr: step.Attr,
		}

		err = h.apply(ctx, v, step)
		if err != nil {
			ev.Error = string(repoerr.CodeOf(err))
		} else if step.Op == OpCommit || step.Op == OpRefresh {
			ev.Version = v.Version()
		}
		result.AddTrace(ev)

		switch {
		case step.ExpectError == "" && err != nil:
			result.AddError(fmt.Sprintf("step %d (%s %s): %v", i, step.Op, step.Path, err))
		case step.ExpectError != "" && err == nil:
			result.AddError(fmt.Sprintf("step %d (%s %s): expected %s, got success", i, step.Op, step.Path, step.ExpectError))
		case step.ExpectError != "" && ev.Error != step.ExpectError:
			result.AddError(fmt.Sprintf("step %d (%s %s): expected %s, got %v", i, step.Op, step.Path, step.ExpectError, err))
		}

		h.logger.Info("step completed",
			"step", i,
			"view", ev.View,
			"op", step.Op,
			"path", step.Path,
			"error", ev.Error,
		)
	}
	return nil
}

func (h *Harness) apply(ctx context.Context, v *repo.View, step Step) error {
	switch step.Op {
	case OpCommit:
		return v.Commit(ctx)
	case OpRefresh:
		return v.Refresh(ctx)
	case OpCancel:
		v.Cancel()
		return nil
	case OpNew:
		return h.create(ctx, v, step)
	}

	it, err := v.FindPath(ctx, step.Path)
	if err != nil {
		return err
	}
	switch step.Op {
	case OpSet:
		val, err := h.operand(ctx, v, it, step.Attr, step.Value)
		if err != nil {
			return err
		}
		return it.SetAttributeValue(ctx, step.Attr, val)
	case OpUnset:
		return it.RemoveAttributeValue(ctx, step.Attr)
	case OpAdd:
		val, err := h.operand(ctx, v, it, step.Attr, step.Value)
		if err != nil {
			return err
		}
		var opts []repo.ValueOption
		if step.Alias != "" {
			opts = append(opts, repo.WithAlias(step.Alias))
		}
		return it.AddValue(ctx, step.Attr, val, opts...)
	case OpRemove:
		val, err := h.operand(ctx, v, it, step.Attr, step.Value)
		if err != nil {
			return err
		}
		return it.RemoveValue(ctx, step.Attr, val)
	case OpDelete:
		return it.Delete(ctx)
	case OpMove:
		var parent *repo.Item
		if step.To != "//" {
			if parent, err = v.FindPath(ctx, step.To); err != nil {
				return err
			}
		}
		return it.Move(ctx, parent)
	case OpRename:
		return it.Rename(ctx, step.To)
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}

// create makes the item at step.Path and sets its initial values in key
// order.
func (h *Harness) create(ctx context.Context, v *repo.View, step Step) error {
	parentPath, name := splitPath(step.Path)
	var parent *repo.Item
	if parentPath != "" {
		var err error
		if parent, err = v.FindPath(ctx, parentPath); err != nil {
			return err
		}
	}
	var kind *schema.Kind
	if step.Kind != "" {
		k, err := h.repo.Kind(step.Kind)
		if err != nil {
			return err
		}
		kind = k
	}
	it, err := v.NewItem(ctx, name, parent, kind)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(step.Values))
	for k := range step.Values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, attr := range keys {
		val, err := h.operand(ctx, v, it, attr, step.Values[attr])
		if err != nil {
			return err
		}
		if err := it.SetAttributeValue(ctx, attr, val); err != nil {
			return err
		}
	}
	return nil
}

// operand converts a scenario value for attr of it: item paths for
// reference attributes, the literal otherwise.
func (h *Harness) operand(ctx context.Context, v *repo.View, it *repo.Item, attr string, raw any) (any, error) {
	if !isRefAttribute(it, attr) {
		return raw, nil
	}
	switch x := raw.(type) {
	case string:
		return v.FindPath(ctx, x)
	case []any:
		items := make([]*repo.Item, 0, len(x))
		for i, elem := range x {
			p, ok := elem.(string)
			if !ok {
				return nil, repoerr.New(repoerr.CodeSchemaViolation, "scenario", "%s[%d]: expected an item path, got %T", attr, i, elem)
			}
			target, err := v.FindPath(ctx, p)
			if err != nil {
				return nil, err
			}
			items = append(items, target)
		}
		return items, nil
	default:
		return nil, repoerr.New(repoerr.CodeSchemaViolation, "scenario", "%s: expected item paths, got %T", attr, raw)
	}
}

func isRefAttribute(it *repo.Item, attr string) bool {
	k := it.Kind()
	if k == nil {
		return false
	}
	a, _, ok := k.Attribute(attr)
	return ok && a.IsRef()
}

// splitPath splits "//a/b" into "//a" and "b"; a root's parent is "".
func splitPath(path string) (parent, name string) {
	rest := strings.TrimPrefix(path, "//")
	i := strings.LastIndex(rest, "/")
	if i < 0 {
		return "", rest
	}
	return "//" + rest[:i], rest[i+1:]
}

package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/briefing/internal/errclass"
)

func TestDefaultPlanCoversEveryCategory(t *testing.T) {
	plan := DefaultPlan()
	m := NewMethods(plan)
	for _, c := range errclass.Categories {
		names, ok := plan[c]
		require.True(t, ok, "category %s", c)
		for _, n := range names {
			assert.Contains(t, m.Names(), n)
		}
	}
	assert.Empty(t, plan[errclass.CategoryPermission])
	assert.Empty(t, plan[errclass.CategorySystem])
}

func TestMethodsRunInPlanOrder(t *testing.T) {
	m := NewMethods(map[errclass.Category][]string{
		errclass.CategoryModel: {SwitchModel, "missing", "explodes", "fails", SimplifyPrompt},
	})
	m.Register("explodes", func(context.Context, ErrorContext, *Hints) error { panic("bad hook") })
	m.Register("fails", func(context.Context, ErrorContext, *Hints) error { return errors.New("nope") })

	hints := NewHints()
	out := m.Run(context.Background(), ErrorContext{TaskName: "T"}, errclass.CategoryModel, hints)

	require.Len(t, out, 5)
	assert.Equal(t, MethodOutcome{Name: SwitchModel, OK: true}, out[0])
	assert.Equal(t, "unknown recovery method", out[1].Error)
	assert.Contains(t, out[2].Error, "bad hook")
	assert.Equal(t, "fails=failed(nope)", out[3].String())
	assert.True(t, out[4].OK)

	assert.Equal(t, "fallback", hints.String(HintModel))
	assert.True(t, hints.Bool(HintSimplePrompt))
}

func TestSwitchModelFailsWhenAlreadySwitched(t *testing.T) {
	hints := NewHints()
	require.NoError(t, switchModel(context.Background(), ErrorContext{}, hints))
	assert.Error(t, switchModel(context.Background(), ErrorContext{}, hints))
}

func TestReduceComplexityHalves(t *testing.T) {
	hints := NewHints()
	ec := ErrorContext{ContextData: map[string]any{HintMaxItems: 8}}

	require.NoError(t, reduceComplexity(context.Background(), ec, hints))
	assert.Equal(t, 4, hints.Int(HintMaxItems, 0))
	assert.Equal(t, 1000, hints.Int(HintMaxTokens, 0))

	require.NoError(t, reduceComplexity(context.Background(), ec, hints))
	require.NoError(t, reduceComplexity(context.Background(), ec, hints))
	assert.Equal(t, 1, hints.Int(HintMaxItems, 0))
	assert.Error(t, reduceComplexity(context.Background(), ec, hints))
}

type resetterFunc func()

func (f resetterFunc) ResetConnections() { f() }

type forgetter struct{ sections []string }

func (f *forgetter) Forget(_ context.Context, section string) error {
	f.sections = append(f.sections, section)
	return nil
}

func TestUnwiredMethodsReportFailure(t *testing.T) {
	m := NewMethods(nil)

	out := m.Run(context.Background(), ErrorContext{TaskName: "T"}, errclass.CategoryNetwork, NewHints())
	require.Len(t, out, 1)
	assert.False(t, out[0].OK)
	assert.Contains(t, out[0].String(), "reset_connection=failed")

	out = m.Run(context.Background(), ErrorContext{TaskName: "T"}, errclass.CategoryUnknown, NewHints())
	require.Len(t, out, 1)
	assert.False(t, out[0].OK)
	assert.Contains(t, out[0].Error, ErrMethodUnavailable.Error())
}

func TestWiredMethodsReachTheirBackends(t *testing.T) {
	m := NewMethods(nil)
	resets := 0
	cache := &forgetter{}
	m.Register(ResetConnection, ResetConnectionWith(resetterFunc(func() { resets++ })))
	m.Register(ClearCache, ClearCacheWith(cache))

	out := m.Run(context.Background(), ErrorContext{TaskName: "T"}, errclass.CategoryNetwork, NewHints())
	assert.True(t, out[0].OK)
	assert.Equal(t, 1, resets)

	ec := ErrorContext{TaskName: "ENTITY_EXTRACTOR", Section: "entities"}
	out = m.Run(context.Background(), ec, errclass.CategoryParsing, NewHints())
	require.Len(t, out, 2)
	assert.Equal(t, "clear_cache=ok", out[1].String())
	assert.Equal(t, []string{"entities"}, cache.sections)

	out = m.Run(context.Background(), ErrorContext{TaskName: "T"}, errclass.CategoryUnknown, NewHints())
	assert.False(t, out[0].OK)
}

func TestHintsFromEmptyContext(t *testing.T) {
	h := HintsFrom(context.Background())
	require.NotNil(t, h)
	assert.Equal(t, 7, h.Int("anything", 7))
}

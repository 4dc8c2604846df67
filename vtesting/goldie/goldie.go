package goldie

import (
	"sort"
	"testing"

	"github.com/Velocidex/ordereddict"
	"github.com/sebdah/goldie/v2"
	"www.velocidex.com/golang/velofleet/json"
	"www.velocidex.com/golang/velofleet/utils"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	g := goldie.New(t)
	_ = g.WithFixtureDir("fixtures")
	return g
}

func Assert(t *testing.T, filename string, golden []byte) {
	t.Helper()
	newGoldie(t).Assert(t, filename, golden)
}

func AssertJson(t *testing.T, filename string, golden interface{}) {
	t.Helper()
	newGoldie(t).Assert(t, filename, json.MustMarshalIndent(golden))
}

// Compares one column of a result set. Rows written by concurrent
// clients arrive in any order so the values are sorted first.
func AssertColumn(t *testing.T, filename string,
	rows []*ordereddict.Dict, column string) {
	t.Helper()

	values := make([]string, 0, len(rows))
	for _, row := range rows {
		values = append(values, utils.GetString(row, column))
	}
	sort.Strings(values)

	AssertJson(t, filename, ordereddict.NewDict().
		Set("Column", column).
		Set("Rows", len(rows)).
		Set("Values", values))
}

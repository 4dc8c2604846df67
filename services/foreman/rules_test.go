package foreman

import (
	"testing"

	"github.com/Velocidex/ordereddict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/utils"
)

func clientObjects() map[string]*ordereddict.Dict {
	return map[string]*ordereddict.Dict{
		"Platform": ordereddict.NewDict().
			Set("System", "linux").
			Set("Fqdn", "web01.example.com"),
		"ClientInfo": ordereddict.NewDict().
			Set("ClientVersion", "velofleet-client").
			Set("Labels", []interface{}{"production", "web"}).
			Set("Cores", int64(8)),
	}
}

func TestRuleSets(t *testing.T) {
	objects := clientObjects()

	for _, test_case := range []struct {
		name       string
		descriptor *flows_proto.ForemanRuleDescriptor
		expected   bool
	}{
		{"regex match", &flows_proto.ForemanRuleDescriptor{
			Type: "regex", Attribute: "System", Regex: "^linux$"}, true},
		{"regex mismatch", &flows_proto.ForemanRuleDescriptor{
			Type: "regex", Attribute: "System", Regex: "windows"}, false},
		{"regex other path", &flows_proto.ForemanRuleDescriptor{
			Type: "regex", Path: "ClientInfo", Attribute: "ClientVersion",
			Regex: "velofleet"}, true},
		{"regex missing path", &flows_proto.ForemanRuleDescriptor{
			Type: "regex", Path: "Hardware", Attribute: "Model",
			Regex: "."}, false},
		{"any label", &flows_proto.ForemanRuleDescriptor{
			Type: "label", Labels: []string{"db", "web"}}, true},
		{"no label", &flows_proto.ForemanRuleDescriptor{
			Type: "label", Labels: []string{"db"}}, false},
		{"all labels", &flows_proto.ForemanRuleDescriptor{
			Type: "label", Labels: []string{"web", "production"},
			Operator: "MATCH_ALL"}, true},
		{"not all labels", &flows_proto.ForemanRuleDescriptor{
			Type: "label", Labels: []string{"web", "db"},
			Operator: "MATCH_ALL"}, false},
		{"integer greater", &flows_proto.ForemanRuleDescriptor{
			Type: "integer", Attribute: "Cores", Operator: "GREATER_THAN",
			Value: 4}, true},
		{"integer less", &flows_proto.ForemanRuleDescriptor{
			Type: "integer", Attribute: "Cores", Operator: "LESS_THAN",
			Value: 4}, false},
		{"integer equal", &flows_proto.ForemanRuleDescriptor{
			Type: "integer", Attribute: "Cores", Operator: "equal",
			Value: 8}, true},
		{"integer not a number", &flows_proto.ForemanRuleDescriptor{
			Type: "integer", Attribute: "ClientVersion", Operator: "EQUAL",
			Value: 8}, false},
	} {
		rule, err := NewRuleSet(test_case.descriptor)
		require.NoError(t, err, test_case.name)
		assert.Equal(t, test_case.expected,
			rule.Evaluate(objects, "C.1"), test_case.name)
	}
}

func TestInvalidRuleSets(t *testing.T) {
	for _, descriptor := range []*flows_proto.ForemanRuleDescriptor{
		{Type: "magic"},
		{Type: "regex", Regex: "("},
		{Type: "integer", Attribute: "Cores", Operator: "ABOUT"},
	} {
		_, err := NewRuleSet(descriptor)
		assert.ErrorIs(t, err, utils.InvalidArgError)
	}
}

func TestHuntRules(t *testing.T) {
	objects := clientObjects()
	linux := &flows_proto.ForemanRuleDescriptor{
		Type: "regex", Attribute: "System", Regex: "linux"}
	db_label := &flows_proto.ForemanRuleDescriptor{
		Type: "label", Labels: []string{"db"}}

	rules, err := newHuntRules(&flows_proto.ForemanRule{})
	require.NoError(t, err)
	assert.True(t, rules.Evaluate(objects, "C.1"))

	rules, err = newHuntRules(&flows_proto.ForemanRule{
		Rules: []*flows_proto.ForemanRuleDescriptor{linux, db_label}})
	require.NoError(t, err)
	assert.False(t, rules.Evaluate(objects, "C.1"))
	assert.Equal(t, []string{"Platform", "ClientInfo"}, rules.GetPathsToCheck())

	rules, err = newHuntRules(&flows_proto.ForemanRule{
		Rules:    []*flows_proto.ForemanRuleDescriptor{linux, db_label},
		MatchAny: true})
	require.NoError(t, err)
	assert.True(t, rules.Evaluate(objects, "C.1"))
}

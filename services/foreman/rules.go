package foreman

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Velocidex/ordereddict"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/utils"
)

// A condition evaluated against the information stored about a
// client. Objects are keyed by the paths GetPathsToCheck returns.
type RuleSet interface {
	Evaluate(objects map[string]*ordereddict.Dict, client_id string) bool
	GetPathsToCheck() []string
}

func NewRuleSet(descriptor *flows_proto.ForemanRuleDescriptor) (RuleSet, error) {
	switch strings.ToLower(descriptor.Type) {
	case "regex":
		re, err := regexp.Compile(descriptor.Regex)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", utils.InvalidArgError, err)
		}
		return &regexRule{
			path:      defaultString(descriptor.Path, "Platform"),
			attribute: descriptor.Attribute,
			re:        re,
		}, nil

	case "label":
		return &labelRule{
			path:      defaultString(descriptor.Path, "ClientInfo"),
			attribute: defaultString(descriptor.Attribute, "Labels"),
			labels:    descriptor.Labels,
			match_all: strings.EqualFold(descriptor.Operator, "MATCH_ALL"),
		}, nil

	case "integer":
		operator := strings.ToUpper(descriptor.Operator)
		switch operator {
		case "EQUAL", "LESS_THAN", "GREATER_THAN":
		default:
			return nil, fmt.Errorf("%w: unknown integer operator %v",
				utils.InvalidArgError, descriptor.Operator)
		}
		return &integerRule{
			path:      defaultString(descriptor.Path, "ClientInfo"),
			attribute: descriptor.Attribute,
			operator:  operator,
			value:     descriptor.Value,
		}, nil
	}

	return nil, fmt.Errorf("%w: unknown rule type %v",
		utils.InvalidArgError, descriptor.Type)
}

func defaultString(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

type regexRule struct {
	path, attribute string
	re              *regexp.Regexp
}

func (self *regexRule) GetPathsToCheck() []string {
	return []string{self.path}
}

func (self *regexRule) Evaluate(
	objects map[string]*ordereddict.Dict, client_id string) bool {
	object, pres := objects[self.path]
	if !pres {
		return false
	}
	return self.re.MatchString(utils.GetString(object, self.attribute))
}

type labelRule struct {
	path, attribute string
	labels          []string
	match_all       bool
}

func (self *labelRule) GetPathsToCheck() []string {
	return []string{self.path}
}

func (self *labelRule) Evaluate(
	objects map[string]*ordereddict.Dict, client_id string) bool {
	object, pres := objects[self.path]
	if !pres {
		return false
	}

	value, _ := object.Get(self.attribute)
	client_labels := toStrings(value)

	for _, label := range self.labels {
		has_label := utils.InString(client_labels, label)
		if has_label && !self.match_all {
			return true
		}
		if !has_label && self.match_all {
			return false
		}
	}
	return self.match_all && len(self.labels) > 0
}

func toStrings(value interface{}) []string {
	switch t := value.(type) {
	case []string:
		return t
	case []interface{}:
		result := make([]string, 0, len(t))
		for _, item := range t {
			result = append(result, utils.ToString(item))
		}
		return result
	case string:
		return []string{t}
	}
	return nil
}

type integerRule struct {
	path, attribute string
	operator        string
	value           int64
}

func (self *integerRule) GetPathsToCheck() []string {
	return []string{self.path}
}

func (self *integerRule) Evaluate(
	objects map[string]*ordereddict.Dict, client_id string) bool {
	object, pres := objects[self.path]
	if !pres {
		return false
	}

	raw, pres := object.Get(self.attribute)
	if !pres {
		return false
	}

	value, ok := utils.ToInt64(raw)
	if !ok {
		return false
	}

	switch self.operator {
	case "EQUAL":
		return value == self.value
	case "LESS_THAN":
		return value < self.value
	case "GREATER_THAN":
		return value > self.value
	}
	return false
}

// All the rules of a hunt. With match_any any single rule admits the
// client, otherwise all of them must match. No rules match every
// client.
type huntRules struct {
	rules     []RuleSet
	match_any bool
}

func newHuntRules(rule *flows_proto.ForemanRule) (*huntRules, error) {
	result := &huntRules{match_any: rule.MatchAny}
	for _, descriptor := range rule.Rules {
		rule_set, err := NewRuleSet(descriptor)
		if err != nil {
			return nil, err
		}
		result.rules = append(result.rules, rule_set)
	}
	return result, nil
}

func (self *huntRules) GetPathsToCheck() []string {
	result := []string{}
	for _, rule := range self.rules {
		result = append(result, rule.GetPathsToCheck()...)
	}
	return utils.Uniquify(result)
}

func (self *huntRules) Evaluate(
	objects map[string]*ordereddict.Dict, client_id string) bool {
	if len(self.rules) == 0 {
		return true
	}

	for _, rule := range self.rules {
		matched := rule.Evaluate(objects, client_id)
		if matched && self.match_any {
			return true
		}
		if !matched && !self.match_any {
			return false
		}
	}
	return !self.match_any
}

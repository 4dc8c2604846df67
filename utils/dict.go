package utils

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/Velocidex/json"
	"github.com/Velocidex/ordereddict"
)

// Returns the containing dict for a nested dict. This allows fetching
// a key using dot notation.
func _get(dict *ordereddict.Dict, key string) (*ordereddict.Dict, string) {
	if dict == nil {
		return ordereddict.NewDict(), ""
	}

	components := strings.Split(key, ".")
	// Only a single component, return the dict.
	if len(components) == 1 {
		return dict, components[0]
	}

	// Iterate over all but the last component fetching the nested
	// dicts. If any of these are not present or not a dict,
	// return an empty containing dict.
	for i := 0; i < len(components)-1; i++ {
		member := components[i]
		result, pres := dict.Get(member)
		if !pres {
			return ordereddict.NewDict(), ""
		}

		nested, ok := result.(*ordereddict.Dict)
		if !ok || nested == nil {
			return ordereddict.NewDict(), ""
		}
		dict = nested
	}

	return dict, components[len(components)-1]
}

func GetString(dict *ordereddict.Dict, key string) string {
	subdict, last := _get(dict, key)
	res, pres := subdict.Get(last)
	if !pres {
		return ""
	}
	return ToString(res)
}

func GetInt64(dict *ordereddict.Dict, key string) int64 {
	subdict, last := _get(dict, key)
	res, pres := subdict.Get(last)
	if !pres {
		return 0
	}
	value, _ := ToInt64(res)
	return value
}

func ToInt64(x interface{}) (int64, bool) {
	switch t := x.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case float64:
		return int64(t), true
	case float32:
		return int64(t), true
	case json.Number:
		v, err := t.Int64()
		if err != nil {
			f, err := t.Float64()
			return int64(f), err == nil
		}
		return v, true
	case string:
		v, err := strconv.ParseInt(t, 0, 64)
		return v, err == nil
	}
	return 0, false
}

// Convert an arbitrary struct into a dict by round tripping through
// json.
func ToDict(a interface{}) (*ordereddict.Dict, error) {
	if IsNil(a) {
		return ordereddict.NewDict(), nil
	}

	dict, ok := a.(*ordereddict.Dict)
	if ok {
		return dict, nil
	}

	serialized, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}

	result := ordereddict.NewDict()
	err = json.Unmarshal(serialized, result)

	return result, err
}

// Parse a dict back into a struct.
func ParseIntoStruct(dict *ordereddict.Dict, target interface{}) error {
	if dict == nil {
		return nil
	}

	serialized, err := json.Marshal(dict)
	if err != nil {
		return err
	}
	return json.Unmarshal(serialized, target)
}

func IsNil(a interface{}) bool {
	if a == nil {
		return true
	}

	switch reflect.TypeOf(a).Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Slice, reflect.Interface:
		return reflect.ValueOf(a).IsNil()
	}
	return false
}

// Wrap json library to control encoding.

package json

import (
	"bytes"

	"github.com/Velocidex/json"
	"github.com/Velocidex/ordereddict"
)

// Dicts are encoded with our own options so nested values pick up
// any registered custom encoders.
func MarshalJSONDict(v interface{}, opts *json.EncOpts) ([]byte, error) {
	self, ok := v.(*ordereddict.Dict)
	if !ok || self == nil {
		return nil, json.EncoderCallbackSkip
	}

	buf := &bytes.Buffer{}
	buf.WriteString("{")
	for idx, k := range self.Keys() {
		if idx > 0 {
			buf.WriteString(",")
		}

		kEscaped, err := json.MarshalWithOptions(k, opts)
		if err != nil {
			return nil, err
		}
		buf.Write(kEscaped)
		buf.WriteString(":")

		v, _ := self.Get(k)
		vBytes, err := json.MarshalWithOptions(v, opts)
		if err != nil {
			buf.WriteString("null")
			continue
		}
		buf.Write(vBytes)
	}
	buf.WriteString("}")
	return buf.Bytes(), nil
}

func init() {
	RegisterCustomEncoder(ordereddict.NewDict(), MarshalJSONDict)
}

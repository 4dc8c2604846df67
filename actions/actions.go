// Client actions are routines that run on the client and send back
// a stream of responses ending in a STATUS.
//
// The server only needs each action's name and input type to
// validate requests. The implementations here are used by the
// emulated client in tests and in the "client" command.
package actions

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/velofleet/utils"
)

type ClientAction interface {
	Run(ctx context.Context, client *Client,
		args *ordereddict.Dict, responder *Responder)
}

type Descriptor struct {
	Name string

	// The type of request CallClient accepts for this action.
	InputType reflect.Type

	Action ClientAction
}

var (
	descriptors = make(map[string]*Descriptor)
)

func register(name string, input interface{}, action ClientAction) {
	descriptors[name] = &Descriptor{
		Name:      name,
		InputType: reflect.TypeOf(input),
		Action:    action,
	}
}

func init() {
	register("GetPlatformInfo", &PlatformInfoRequest{}, &GetPlatformInfo{})
	register("GetClientInfo", &ClientInfoRequest{}, &GetClientInfo{})
	register("Find", &FindSpec{}, &Find{})
	register("HashFile", &HashRequest{}, &HashFile{})
	register("TransferBuffer", &BufferReference{}, &TransferBuffer{})
	register("ListProcesses", &ListProcessesRequest{}, &ListProcesses{})
	register("Echo", &EchoRequest{}, &Echo{})
}

func Lookup(name string) (*Descriptor, bool) {
	result, pres := descriptors[name]
	return result, pres
}

// All known actions sorted by name.
func Descriptors() []*Descriptor {
	result := make([]*Descriptor, 0, len(descriptors))
	for _, v := range descriptors {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Check the request against the action's declared input type and
// convert it to the wire payload.
func EncodeRequest(name string, request interface{}) (*ordereddict.Dict, error) {
	descriptor, pres := Lookup(name)
	if !pres {
		return nil, fmt.Errorf("%w: unknown client action %v",
			utils.TypeContractError, name)
	}

	if reflect.TypeOf(request) != descriptor.InputType {
		return nil, fmt.Errorf("%w: action %v expects %v but got %T",
			utils.TypeContractError, name, descriptor.InputType, request)
	}

	return utils.ToDict(request)
}

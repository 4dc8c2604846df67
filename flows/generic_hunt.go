package flows

import (
	"context"
	"errors"
	"fmt"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/velofleet/utils"
)

type GenericHuntArgs struct {
	// The flow run on every client.
	FlowName string            `json:"flow_name"`
	FlowArgs *ordereddict.Dict `json:"flow_args,omitempty"`
}

// Runs a flow on each client admitted to the hunt and collects its
// replies into the hunt's results.
type GenericHunt struct{}

func (self *GenericHunt) State() interface{} {
	return nil
}

func (self *GenericHunt) Handler(name string) (StateHandler, bool) {
	switch name {
	case "Start":
		return self.Start, true
	case "RunClient":
		return self.RunClient, true
	case "MarkDone":
		return self.MarkDone, true
	}
	return nil, false
}

// Refuse to create hunts that could never run anything.
func (self *GenericHunt) Start(
	ctx context.Context, runner Runner, responses *Responses) HandlerResult {
	args := &GenericHuntArgs{}
	err := runner.ParseArgs(args)
	if err != nil {
		return TerminateError(err)
	}

	_, err = runner.Registry().NewFlow(args.FlowName)
	if err != nil {
		runner.Log("GenericHunt: %v", err)
		return TerminateError(err)
	}
	return Continue()
}

func (self *GenericHunt) RunClient(
	ctx context.Context, runner Runner, responses *Responses) HandlerResult {
	args := &GenericHuntArgs{}
	err := runner.ParseArgs(args)
	if err != nil {
		return TerminateError(err)
	}

	client_id := responses.ClientId()
	if client_id == "" {
		client_id = utils.GetString(responses.First(), "client_id")
	}

	_, err = runner.CallFlow(ctx, args.FlowName, args.FlowArgs, "MarkDone",
		WithClientId(client_id))
	if err != nil {
		return TerminateError(err)
	}
	return Continue()
}

func (self *GenericHunt) MarkDone(
	ctx context.Context, runner Runner, responses *Responses) HandlerResult {
	hunt, ok := runner.(HuntOps)
	if !ok {
		return TerminateError(fmt.Errorf(
			"%w: GenericHunt only runs as a hunt", utils.InvalidArgError))
	}

	client_id := responses.ClientId()
	for _, reply := range responses.Payloads() {
		err := hunt.SendClientReply(ctx, client_id, reply)
		if err != nil {
			return TerminateError(err)
		}
	}

	if !responses.Success() {
		return TerminateError(errors.New(responses.ErrorMessage()))
	}
	return TerminateSuccess()
}

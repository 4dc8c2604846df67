package flows

import (
	"context"
	"errors"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/velofleet/actions"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/paths"
	"www.velocidex.com/golang/velofleet/utils"
)

type InterrogateState struct {
	Platform   *ordereddict.Dict `json:"platform,omitempty"`
	ClientInfo *ordereddict.Dict `json:"client_info,omitempty"`
}

// Collects basic information about the client. The information is
// stored with the client where the foreman's rules can inspect it.
type Interrogate struct {
	state InterrogateState
}

func (self *Interrogate) State() interface{} {
	return &self.state
}

func (self *Interrogate) Handler(name string) (StateHandler, bool) {
	switch name {
	case "Start":
		return self.Start, true
	case "Platform":
		return self.Platform, true
	case "ClientInfo":
		return self.ClientInfo, true
	case "End":
		return self.End, true
	}
	return nil, false
}

func (self *Interrogate) Start(
	ctx context.Context, runner Runner, responses *Responses) HandlerResult {
	err := runner.CallClient(ctx, "GetPlatformInfo",
		&actions.PlatformInfoRequest{}, "Platform")
	if err != nil {
		return TerminateError(err)
	}

	err = runner.CallClient(ctx, "GetClientInfo",
		&actions.ClientInfoRequest{}, "ClientInfo")
	if err != nil {
		return TerminateError(err)
	}
	return Continue()
}

func (self *Interrogate) Platform(
	ctx context.Context, runner Runner, responses *Responses) HandlerResult {
	if !responses.Success() {
		return TerminateError(errors.New(responses.ErrorMessage()))
	}

	self.state.Platform = responses.First()
	return self.storeItem(runner, "Platform", self.state.Platform)
}

func (self *Interrogate) ClientInfo(
	ctx context.Context, runner Runner, responses *Responses) HandlerResult {
	if !responses.Success() {
		return TerminateError(errors.New(responses.ErrorMessage()))
	}

	self.state.ClientInfo = responses.First()
	return self.storeItem(runner, "ClientInfo", self.state.ClientInfo)
}

func (self *Interrogate) storeItem(
	runner Runner, name string, item *ordereddict.Dict) HandlerResult {
	err := runner.DB().SetSubject(runner.ConfigObj(),
		paths.NewClientPathManager(runner.ClientId()).InfoItem(name), item)
	if err != nil {
		return TerminateError(err)
	}
	return Continue()
}

func (self *Interrogate) End(
	ctx context.Context, runner Runner, responses *Responses) HandlerResult {
	info := ordereddict.NewDict()
	for _, item := range []*ordereddict.Dict{
		self.state.Platform, self.state.ClientInfo} {
		if item != nil {
			info.MergeFrom(item)
		}
	}

	client_info := &flows_proto.ClientInfo{
		ClientId: runner.ClientId(),
		Info:     info,
	}

	err := runner.DB().SetSubject(runner.ConfigObj(),
		paths.NewClientPathManager(runner.ClientId()).Info(), client_info)
	if err != nil {
		return TerminateError(err)
	}

	reply, err := utils.ToDict(client_info)
	if err != nil {
		return TerminateError(err)
	}

	err = runner.SendReply(ctx, reply)
	if err != nil {
		return TerminateError(err)
	}

	runner.Log("Interrogated %v (%v)", runner.ClientId(),
		utils.GetString(info, "Fqdn"))
	return Continue()
}

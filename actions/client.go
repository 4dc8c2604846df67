package actions

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/Velocidex/ordereddict"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/utils"
)

// An in-process client that runs actions on the local machine.
type Client struct {
	ClientId string
	Hostname string
	OS       string
	Labels   []string
	Version  string
}

func NewClient(client_id string) *Client {
	hostname, _ := os.Hostname()
	return &Client{
		ClientId: client_id,
		Hostname: hostname,
		OS:       runtime.GOOS,
		Version:  "velofleet-client",
	}
}

// Run the requested action and return all its responses. Action
// panics are reported as an error status like any other failure.
func (self *Client) RunMessage(
	ctx context.Context, message *flows_proto.ClientMessage) []*flows_proto.Message {
	responder := NewResponder(message)

	descriptor, pres := Lookup(message.Name)
	if !pres {
		responder.RaiseError(fmt.Sprintf("Unsupported action %v", message.Name))
		return responder.Responses()
	}

	args := message.Payload
	if args == nil {
		args = ordereddict.NewDict()
	}

	err := utils.RecoverToError(func() error {
		descriptor.Action.Run(ctx, self, args, responder)
		return nil
	})
	if err != nil {
		responder.RaiseError(err.Error())
	}

	// Actions that forgot to return still complete the request.
	responder.Return()
	return responder.Responses()
}

type GetPlatformInfo struct{}

func (self *GetPlatformInfo) Run(
	ctx context.Context, client *Client,
	args *ordereddict.Dict, responder *Responder) {
	responder.AddResponse(ordereddict.NewDict().
		Set("System", client.OS).
		Set("Fqdn", client.Hostname).
		Set("Architecture", runtime.GOARCH).
		Set("GoVersion", runtime.Version()))
	responder.Return()
}

type GetClientInfo struct{}

func (self *GetClientInfo) Run(
	ctx context.Context, client *Client,
	args *ordereddict.Dict, responder *Responder) {
	responder.AddResponse(ordereddict.NewDict().
		Set("ClientId", client.ClientId).
		Set("ClientName", client.Hostname).
		Set("ClientVersion", client.Version).
		Set("Labels", client.Labels))
	responder.Return()
}

type ListProcesses struct{}

// Only the client's own process is reported.
func (self *ListProcesses) Run(
	ctx context.Context, client *Client,
	args *ordereddict.Dict, responder *Responder) {
	exe, _ := os.Executable()
	responder.AddResponse(ordereddict.NewDict().
		Set("Pid", int64(os.Getpid())).
		Set("Ppid", int64(os.Getppid())).
		Set("Exe", exe))
	responder.Return()
}

type Echo struct{}

func (self *Echo) Run(
	ctx context.Context, client *Client,
	args *ordereddict.Dict, responder *Responder) {
	request := &EchoRequest{}
	err := utils.ParseIntoStruct(args, request)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}

	repeat := request.Repeat
	if repeat <= 0 {
		repeat = 1
	}

	for i := 0; i < repeat; i++ {
		responder.AddResponse(ordereddict.NewDict().
			Set("Data", request.Data).
			Set("Index", int64(i)))
	}
	responder.Return()
}

package actions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Velocidex/ordereddict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flows_proto "www.velocidex.com/golang/velofleet/flows/proto"
	"www.velocidex.com/golang/velofleet/utils"
)

func TestEncodeRequest(t *testing.T) {
	payload, err := EncodeRequest("Echo", &EchoRequest{Data: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", utils.GetString(payload, "data"))

	_, err = EncodeRequest("NoSuchAction", &EchoRequest{})
	assert.ErrorIs(t, err, utils.TypeContractError)

	// Wrong input type for the action.
	_, err = EncodeRequest("Echo", &HashRequest{Path: "/etc/passwd"})
	assert.ErrorIs(t, err, utils.TypeContractError)

	// Must be a pointer.
	_, err = EncodeRequest("Echo", EchoRequest{})
	assert.ErrorIs(t, err, utils.TypeContractError)

	names := []string{}
	for _, d := range Descriptors() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"Echo", "Find", "GetClientInfo",
		"GetPlatformInfo", "HashFile", "ListProcesses", "TransferBuffer"}, names)
}

func run(t *testing.T, name string, request interface{}) []*flows_proto.Message {
	payload, err := EncodeRequest(name, request)
	require.NoError(t, err)

	client := NewClient("C.1234")
	return client.RunMessage(context.Background(), &flows_proto.ClientMessage{
		SessionId: "W/Test/F:1",
		RequestId: 5,
		Name:      name,
		Payload:   payload,
	})
}

func TestEcho(t *testing.T) {
	responses := run(t, "Echo", &EchoRequest{Data: "hi", Repeat: 2})
	require.Equal(t, 3, len(responses))

	for i, r := range responses {
		assert.Equal(t, uint64(i+1), r.ResponseId)
		assert.Equal(t, uint64(5), r.RequestId)
	}
	assert.Equal(t, "hi", utils.GetString(responses[1].Payload, "Data"))
	assert.Equal(t, flows_proto.Message_STATUS, responses[2].Type)
	assert.True(t, responses[2].Status.OK())
}

func TestUnknownAction(t *testing.T) {
	client := NewClient("C.1234")
	responses := client.RunMessage(context.Background(),
		&flows_proto.ClientMessage{Name: "Format", RequestId: 1})
	require.Equal(t, 1, len(responses))
	assert.False(t, responses[0].Status.OK())
	assert.Contains(t, responses[0].Status.ErrorMessage, "Unsupported action")
}

func TestFileActions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0600))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "big.bin"), make([]byte, 1000), 0600))

	responses := run(t, "Find", &FindSpec{
		Glob: filepath.Join(dir, "*"), MaxSize: 100})
	require.Equal(t, 2, len(responses))
	assert.Equal(t, path, utils.GetString(responses[0].Payload, "Path"))
	assert.Equal(t, int64(11), utils.GetInt64(responses[0].Payload, "Size"))

	responses = run(t, "HashFile", &HashRequest{Path: path})
	require.Equal(t, 2, len(responses))
	assert.Equal(t,
		"b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		utils.GetString(responses[0].Payload, "SHA256"))

	responses = run(t, "TransferBuffer", &BufferReference{
		Path: path, Offset: 6, Length: 100})
	require.Equal(t, 2, len(responses))
	assert.Equal(t, int64(5), utils.GetInt64(responses[0].Payload, "Length"))
	assert.Equal(t, uint64(5), responses[1].Status.NetworkBytesSent)

	// Missing files are an error status.
	responses = run(t, "HashFile", &HashRequest{Path: filepath.Join(dir, "missing")})
	require.Equal(t, 1, len(responses))
	assert.False(t, responses[0].Status.OK())
}

func TestResponderIgnoresLateResponses(t *testing.T) {
	responder := NewResponder(&flows_proto.ClientMessage{RequestId: 1})
	responder.AddResponse(ordereddict.NewDict())
	responder.Return()
	responder.AddResponse(ordereddict.NewDict())
	responder.RaiseError("late")

	responses := responder.Responses()
	require.Equal(t, 2, len(responses))
	assert.True(t, responses[1].Status.OK())
}

package flows

import (
	"context"
	"errors"
	"fmt"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/velofleet/actions"
	"www.velocidex.com/golang/velofleet/utils"
)

const (
	FileFinderStat     = "STAT"
	FileFinderHash     = "HASH"
	FileFinderDownload = "DOWNLOAD"

	defaultChunkSize = 512 * 1024
)

type FileFinderArgs struct {
	Glob    string `json:"glob"`
	MaxSize int64  `json:"max_size,omitempty"`

	// One of STAT, HASH or DOWNLOAD. Defaults to STAT.
	Action    string `json:"action,omitempty"`
	ChunkSize int64  `json:"chunk_size,omitempty"`
}

type FileFinderState struct {
	FilesFound       int64 `json:"files_found"`
	FilesHashed      int64 `json:"files_hashed,omitempty"`
	BytesTransferred int64 `json:"bytes_transferred,omitempty"`
}

// Finds files on the client.
type Globber interface {
	Glob(ctx context.Context, runner Runner,
		spec *actions.FindSpec, next_state string) error
}

// Hashes a file on the client.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, runner Runner,
		path string, next_state string) error
}

// Fetches file content from the client in chunks.
type Transferer interface {
	Transfer(ctx context.Context, runner Runner,
		path string, size, chunk_size int64, next_state string) error
}

type clientGlobber struct{}

func (self clientGlobber) Glob(ctx context.Context, runner Runner,
	spec *actions.FindSpec, next_state string) error {
	return runner.CallClient(ctx, "Find", spec, next_state)
}

type clientFingerprinter struct{}

func (self clientFingerprinter) Fingerprint(ctx context.Context, runner Runner,
	path string, next_state string) error {
	return runner.CallClient(ctx, "HashFile", &actions.HashRequest{Path: path},
		next_state, WithRequestData(ordereddict.NewDict().Set("path", path)))
}

type clientTransferer struct{}

func (self clientTransferer) Transfer(ctx context.Context, runner Runner,
	path string, size, chunk_size int64, next_state string) error {
	if chunk_size <= 0 {
		chunk_size = defaultChunkSize
	}

	for offset := int64(0); offset < size; offset += chunk_size {
		length := chunk_size
		if offset+length > size {
			length = size - offset
		}

		err := runner.CallClient(ctx, "TransferBuffer", &actions.BufferReference{
			Path:   path,
			Offset: offset,
			Length: length,
		}, next_state, WithRequestData(ordereddict.NewDict().
			Set("path", path).
			Set("offset", offset)))
		if err != nil {
			return err
		}
	}
	return nil
}

// Finds files matching a glob and optionally hashes or downloads
// them. Each capability is a separate object so flows may swap
// them out.
type FileFinder struct {
	state FileFinderState

	Globber       Globber
	Fingerprinter Fingerprinter
	Transferer    Transferer
}

func NewFileFinder() Flow {
	return &FileFinder{
		Globber:       clientGlobber{},
		Fingerprinter: clientFingerprinter{},
		Transferer:    clientTransferer{},
	}
}

func (self *FileFinder) State() interface{} {
	return &self.state
}

func (self *FileFinder) Handler(name string) (StateHandler, bool) {
	switch name {
	case "Start":
		return self.Start, true
	case "ProcessGlob":
		return self.ProcessGlob, true
	case "ProcessHash":
		return self.ProcessHash, true
	case "ProcessChunk":
		return self.ProcessChunk, true
	}
	return nil, false
}

func (self *FileFinder) args(runner Runner) (*FileFinderArgs, error) {
	args := &FileFinderArgs{}
	err := runner.ParseArgs(args)
	if err != nil {
		return nil, err
	}

	switch args.Action {
	case "":
		args.Action = FileFinderStat
	case FileFinderStat, FileFinderHash, FileFinderDownload:
	default:
		return nil, fmt.Errorf("%w: unknown file finder action %v",
			utils.InvalidArgError, args.Action)
	}
	return args, nil
}

func (self *FileFinder) Start(
	ctx context.Context, runner Runner, responses *Responses) HandlerResult {
	args, err := self.args(runner)
	if err != nil {
		return TerminateError(err)
	}

	if args.Glob == "" {
		return TerminateError(fmt.Errorf("%w: no glob given", utils.InvalidArgError))
	}

	err = self.Globber.Glob(ctx, runner, &actions.FindSpec{
		Glob:    args.Glob,
		MaxSize: args.MaxSize,
	}, "ProcessGlob")
	if err != nil {
		return TerminateError(err)
	}
	return Continue()
}

func (self *FileFinder) ProcessGlob(
	ctx context.Context, runner Runner, responses *Responses) HandlerResult {
	if !responses.Success() {
		return TerminateError(errors.New(responses.ErrorMessage()))
	}

	args, err := self.args(runner)
	if err != nil {
		return TerminateError(err)
	}

	for _, stat := range responses.Payloads() {
		path := utils.GetString(stat, "Path")
		self.state.FilesFound++

		value, _ := stat.Get("IsDir")
		is_dir, _ := value.(bool)

		switch {
		case args.Action == FileFinderStat || is_dir:
			err = runner.SendReply(ctx, stat)

		case args.Action == FileFinderHash:
			err = self.Fingerprinter.Fingerprint(ctx, runner, path, "ProcessHash")

		case args.Action == FileFinderDownload:
			size := utils.GetInt64(stat, "Size")
			if size == 0 {
				err = runner.SendReply(ctx, stat)
			} else {
				err = self.Transferer.Transfer(ctx, runner, path, size,
					args.ChunkSize, "ProcessChunk")
			}
		}

		if err != nil {
			return TerminateError(err)
		}
	}

	runner.Log("Found %v files matching %v", responses.Len(), args.Glob)
	return Continue()
}

func (self *FileFinder) ProcessHash(
	ctx context.Context, runner Runner, responses *Responses) HandlerResult {
	// A file that can not be hashed does not fail the flow.
	if !responses.Success() {
		runner.Log("Unable to hash %v: %v",
			utils.GetString(responses.Data(), "path"), responses.ErrorMessage())
		return Continue()
	}

	for _, hash := range responses.Payloads() {
		self.state.FilesHashed++
		err := runner.SendReply(ctx, hash)
		if err != nil {
			return TerminateError(err)
		}
	}
	return Continue()
}

func (self *FileFinder) ProcessChunk(
	ctx context.Context, runner Runner, responses *Responses) HandlerResult {
	if !responses.Success() {
		runner.Log("Unable to transfer %v at %v: %v",
			utils.GetString(responses.Data(), "path"),
			utils.GetInt64(responses.Data(), "offset"),
			responses.ErrorMessage())
		return Continue()
	}

	for _, chunk := range responses.Payloads() {
		self.state.BytesTransferred += utils.GetInt64(chunk, "Length")

		// Content is not kept in the flow's results.
		reply := ordereddict.NewDict()
		for _, k := range chunk.Keys() {
			if k == "Data" {
				continue
			}
			v, _ := chunk.Get(k)
			reply.Set(k, v)
		}

		err := runner.SendReply(ctx, reply)
		if err != nil {
			return TerminateError(err)
		}
	}
	return Continue()
}

package actions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/Velocidex/ordereddict"
	"www.velocidex.com/golang/velofleet/utils"
)

type Find struct{}

func (self *Find) Run(
	ctx context.Context, client *Client,
	args *ordereddict.Dict, responder *Responder) {
	request := &FindSpec{}
	err := utils.ParseIntoStruct(args, request)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}

	matches, err := filepath.Glob(request.Glob)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}

	for _, match := range matches {
		if ctx.Err() != nil {
			break
		}

		stat, err := os.Lstat(match)
		if err != nil {
			continue
		}

		if request.MaxSize > 0 && stat.Size() > request.MaxSize {
			continue
		}

		responder.AddResponse(ordereddict.NewDict().
			Set("Path", match).
			Set("Size", stat.Size()).
			Set("Mode", stat.Mode().String()).
			Set("IsDir", stat.IsDir()).
			Set("Mtime", stat.ModTime().UTC().Unix()))
	}
	responder.Return()
}

type HashFile struct{}

func (self *HashFile) Run(
	ctx context.Context, client *Client,
	args *ordereddict.Dict, responder *Responder) {
	request := &HashRequest{}
	err := utils.ParseIntoStruct(args, request)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}

	fd, err := os.Open(request.Path)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}
	defer fd.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, fd)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}

	responder.AddResponse(ordereddict.NewDict().
		Set("Path", request.Path).
		Set("Size", n).
		Set("SHA256", hex.EncodeToString(hasher.Sum(nil))))
	responder.Return()
}

type TransferBuffer struct{}

func (self *TransferBuffer) Run(
	ctx context.Context, client *Client,
	args *ordereddict.Dict, responder *Responder) {
	request := &BufferReference{}
	err := utils.ParseIntoStruct(args, request)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}

	fd, err := os.Open(request.Path)
	if err != nil {
		responder.RaiseError(err.Error())
		return
	}
	defer fd.Close()

	buf := make([]byte, request.Length)
	n, err := fd.ReadAt(buf, request.Offset)
	if err != nil && err != io.EOF {
		responder.RaiseError(err.Error())
		return
	}
	buf = buf[:n]

	hash := sha256.Sum256(buf)
	responder.AddNetworkBytes(uint64(n))
	responder.AddResponse(ordereddict.NewDict().
		Set("Path", request.Path).
		Set("Offset", request.Offset).
		Set("Length", int64(n)).
		Set("SHA256", hex.EncodeToString(hash[:])).
		Set("Data", buf))
	responder.Return()
}

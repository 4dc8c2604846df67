package utils

import (
	errors "github.com/go-errors/errors"
)

var (
	NotFoundError = errors.New("NotFoundError")

	// Raised by paged readers when there are more results than the
	// caller asked for. Callers should flush their work and retry.
	MoreDataError = errors.New("MoreDataError")

	// Another owner holds the lease on this subject.
	LeaseHeldError = errors.New("LeaseHeldError")

	PermissionDenied = errors.New("PermissionDenied")

	// A client action was invoked with the wrong request type.
	TypeContractError = errors.New("TypeContractError")

	QuotaExceededError = errors.New("QuotaExceededError")

	InvalidArgError = errors.New("InvalidArgError")

	// The hunt is stopped or completed and can not be restarted.
	StoppedHuntError = errors.New("StoppedHuntError")

	// The flow is not running any more.
	FlowTerminatedError = errors.New("FlowTerminatedError")
)

package redis

import (
	"errors"
	"io"
	"net"

	goredis "github.com/redis/go-redis/v9"

	outbox "github.com/velmie/outbox-lease"
)

var (
	// ErrClientRequired is returned when a nil client is provided.
	ErrClientRequired = errors.New("outbox redis: client is required")
	// ErrLeaseHeld is returned by Acquire when another owner holds the lease.
	ErrLeaseHeld = errors.New("outbox redis: lease held by another owner")
)

var transientPrefixes = []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY"}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, goredis.ErrClosed) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return outbox.Transient(err)
	}
	for _, prefix := range transientPrefixes {
		if goredis.HasErrorPrefix(err, prefix) {
			return outbox.Transient(err)
		}
	}

	return err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
)

// joinWithRetry joins through bootstrap, retrying with exponential backoff for at
// most budget. A zero budget makes a single attempt.
func joinWithRetry(ctx context.Context, node *chord.Node, bootstrap string, budget time.Duration, logger *pkg.Logger) error {
	host, port, err := splitHostPort(bootstrap)
	if err != nil {
		return err
	}

	op := func() error {
		err := node.Join(ctx, host, port)
		if isPermanentJoinError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn().
			Err(err).
			Str("bootstrap", bootstrap).
			Dur("retry_in", wait).
			Msg("Join attempt failed")
	}

	return backoff.RetryNotify(op, backoff.WithContext(newJoinBackoff(budget), ctx), notify)
}

func newJoinBackoff(budget time.Duration) backoff.BackOff {
	if budget <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 200 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = budget
	b.Reset()
	return b
}

// isPermanentJoinError reports failures that retrying the same bootstrap cannot fix.
func isPermanentJoinError(err error) bool {
	return errors.Is(err, chord.ErrCapacityMismatch) ||
		errors.Is(err, chord.ErrIdentifierCollision) ||
		errors.Is(err, chord.ErrNoRemote) ||
		errors.Is(err, errBadBootstrap)
}

var errBadBootstrap = errors.New("invalid bootstrap address")

func splitHostPort(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("%w %q: %v", errBadBootstrap, address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("%w %q: bad port", errBadBootstrap, address)
	}
	return host, port, nil
}

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package tovarun

import (
	"context"
	"math/rand/v2"
	"time"

	"code.hybscloud.com/iox"
)

// SelectKind identifies one branch of a select.
type SelectKind int

const (
	SelectReceive SelectKind = iota // receive from Channel
	SelectSend                      // send Value to Channel
	SelectTimeout                   // fire after Timeout elapses with nothing ready
	SelectDefault                   // fire immediately when nothing is ready
)

// SelectCase is a transient description of one branch of a select. It
// is evaluated, never persisted.
type SelectCase struct {
	Kind    SelectKind
	Channel ChannelHandle
	Value   int64         // value to send, for SelectSend
	Timeout time.Duration // duration, for SelectTimeout
}

// SelectResult reports the committed branch. For a receive, Value holds
// the received scalar and OK is false when the channel was closed and
// drained. For a send, OK is false when the channel was closed. Default
// and Timeout branches commit with OK true and a zero Value.
type SelectResult struct {
	Index int
	Value int64
	OK    bool
}

// Select evaluates the cases and commits to exactly one:
//
//   - if one or more channel operations are ready, it commits to one of
//     them chosen uniformly at random (callers must not rely on any
//     priority ordering between cases);
//   - otherwise a Default case, if present, fires immediately;
//   - otherwise a Timeout case fires once its duration elapses;
//   - otherwise the caller suspends, re-polling with adaptive backoff,
//     until some case becomes ready or ctx is cancelled.
//
// A case referencing an unknown channel handle behaves like a closed
// channel: it is always ready and commits with OK false.
func (rt *Runtime) Select(ctx context.Context, cases []SelectCase) (SelectResult, error) {
	if len(cases) == 0 {
		return SelectResult{}, NewFault(KindJoin, "select requires at least one case")
	}

	defaultIdx := -1
	timeoutIdx := -1
	var deadline time.Time
	for i, sc := range cases {
		switch sc.Kind {
		case SelectDefault:
			defaultIdx = i
		case SelectTimeout:
			d := time.Now().Add(sc.Timeout)
			if timeoutIdx < 0 || d.Before(deadline) {
				timeoutIdx = i
				deadline = d
			}
		}
	}

	var bo iox.Backoff
	for {
		// Random permutation per poll: the first ready case in a
		// uniformly shuffled order is a uniform pick over the ready set.
		for _, i := range rand.Perm(len(cases)) {
			sc := cases[i]
			switch sc.Kind {
			case SelectReceive:
				ch, found := rt.channels.get(sc.Channel)
				if !found {
					return SelectResult{Index: i}, nil
				}
				if v, ok, ready := ch.tryRecv(); ready {
					return SelectResult{Index: i, Value: v, OK: ok}, nil
				}
			case SelectSend:
				ch, found := rt.channels.get(sc.Channel)
				if !found {
					return SelectResult{Index: i}, nil
				}
				if sent, ready := ch.trySend(sc.Value); ready {
					return SelectResult{Index: i, OK: sent}, nil
				}
			}
		}

		if defaultIdx >= 0 {
			return SelectResult{Index: defaultIdx, OK: true}, nil
		}
		if timeoutIdx >= 0 && !time.Now().Before(deadline) {
			return SelectResult{Index: timeoutIdx, OK: true}, nil
		}
		if ctx.Err() != nil {
			return SelectResult{}, ctxFault(ctx)
		}
		bo.Wait()
	}
}

// Package realtime is the contract with the change-feed service and a
// websocket client for it.
package realtime

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/mahaj/tenant-realtime/pkg/model"
)

// ErrUnknownHandle is returned when unsubscribing a handle that is not live.
var ErrUnknownHandle = errors.New("unknown subscription handle")

// ErrClosed is returned by a source that has been shut down.
var ErrClosed = errors.New("realtime source closed")

// Filter is an equality predicate over one column. The zero Filter matches
// every row of the relation.
type Filter struct {
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

func Eq(column, value string) Filter { return Filter{Column: column, Value: value} }

func (f Filter) String() string {
	if f.Column == "" {
		return "*"
	}
	return fmt.Sprintf("%s=eq.%s", f.Column, f.Value)
}

func (f Filter) Matches(c *model.Change) bool { return c.Matches(f.Column, f.Value) }

type Handle uint64

// Callback receives changes. Deliveries are at-least-once and unordered
// across rows; callbacks for one source run on a single goroutine.
type Callback func(model.Change)

type Source interface {
	Subscribe(relation string, filter Filter, cb Callback) (Handle, error)
	Unsubscribe(h Handle) error
}

type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpChange      Op = "change"
	OpError       Op = "error"
)

// Frame is one websocket message between client and gateway.
type Frame struct {
	Op       Op            `json:"op"`
	Ref      Handle        `json:"ref,omitempty"`
	Relation string        `json:"relation,omitempty"`
	Filter   Filter        `json:"filter,omitempty"`
	Change   *model.Change `json:"change,omitempty"`
	Error    string        `json:"error,omitempty"`
}

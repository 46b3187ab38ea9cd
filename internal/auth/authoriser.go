// Package auth provides the authoriser chain consulted before a request is
// dispatched, together with token-based authorisers backed by static or OAuth2
// credentials.
package auth

import (
	"context"
	"errors"
	"io"

	"github.com/torosent/dataloader/internal/request"
)

// Delegate receives the asynchronous outcome of AuthoriseRequest. Exactly one
// of its methods is called per AuthoriseRequest call.
type Delegate interface {
	AuthorisedRequest(a Authoriser, req *request.Request)
	FailedToAuthoriseRequest(a Authoriser, req *request.Request, err error)
}

// Authoriser decorates requests with credentials.
type Authoriser interface {
	// Identifier returns a stable name used in logs and errors.
	Identifier() string

	// RequestRequiresAuthorisation reports whether this authoriser handles req.
	RequestRequiresAuthorisation(req *request.Request) bool

	// AuthoriseRequest decorates req and reports the outcome to delegate. It must
	// not block the caller.
	AuthoriseRequest(ctx context.Context, req *request.Request, delegate Delegate)

	// RequestFailedAuthorisation informs the authoriser that the server rejected
	// a request it authorised, so cached credentials can be dropped.
	RequestFailedAuthorisation(req *request.Request, resp *request.Response)

	// Refresh proactively renews credentials. The chain never calls it.
	Refresh(ctx context.Context) error
}

// Chain is an ordered list of authorisers. The first one that claims a request wins.
type Chain struct {
	authorisers []Authoriser
}

// NewChain returns a chain consulting authorisers in the given order. Nil entries are skipped.
func NewChain(authorisers ...Authoriser) *Chain {
	c := &Chain{}
	for _, a := range authorisers {
		if a != nil {
			c.authorisers = append(c.authorisers, a)
		}
	}
	return c
}

// Authorisers returns the registered authorisers in order.
func (c *Chain) Authorisers() []Authoriser {
	if c == nil {
		return nil
	}
	out := make([]Authoriser, len(c.authorisers))
	copy(out, c.authorisers)
	return out
}

// Len returns the number of registered authorisers.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.authorisers)
}

// AuthoriserFor returns the first authoriser requiring req, or nil.
func (c *Chain) AuthoriserFor(req *request.Request) Authoriser {
	if c == nil {
		return nil
	}
	for _, a := range c.authorisers {
		if a.RequestRequiresAuthorisation(req) {
			return a
		}
	}
	return nil
}

// Close releases resources held by authorisers that implement io.Closer.
func (c *Chain) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	for _, a := range c.authorisers {
		if closer, ok := a.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

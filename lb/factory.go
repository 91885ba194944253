package lb

import (
	"context"

	"github.com/sagernet/rsocket-go/decorator"
)

// Factory builds a Socket against a single endpoint and advertises its own
// availability independently of any socket it has already produced (§6
// "Factory contract").
type Factory interface {
	Build(ctx context.Context) (decorator.Socket, error)
	Availability() float64
	Name() string
}

package system

import "context"

// Service is a component with a managed lifecycle. Background runners such
// as the promotion scheduler implement it so the Manager can bring them up
// in registration order and tear them down in reverse.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

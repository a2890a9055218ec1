// Package interfaces defines common interface types used across the application.
package interfaces

import "context"

// AppReloader triggers a reload of the station configuration
type AppReloader interface {
	ReloadConfiguration(ctx context.Context) error
}

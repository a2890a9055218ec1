// Package constants defines application-wide constants and version information.
package constants

import "runtime"

// Version holds the application version information
const Version = "1.0-" + runtime.GOOS + "/" + runtime.GOARCH

// DriverName is the driver's name as the weather host knows it
const DriverName = "wmII"

// DriverVersion is reported alongside DriverName
const DriverVersion = "0.2"

package core

// Exit codes for the gateway process.
// Signal-based exits follow the Unix 128 + signal number convention.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1

	// ExitCodeBackendStartup is returned when sd-server crashed or never
	// became ready during startup.
	ExitCodeBackendStartup = 3

	ExitCodeSIGINT  = 130
	ExitCodeSIGTERM = 143
)

// ExitCodeName returns a human-readable name for an exit code.
func ExitCodeName(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "success"
	case ExitCodeError:
		return "error"
	case ExitCodeBackendStartup:
		return "backend startup failed"
	case ExitCodeSIGINT:
		return "interrupted (SIGINT)"
	case ExitCodeSIGTERM:
		return "terminated (SIGTERM)"
	default:
		return "unknown"
	}
}

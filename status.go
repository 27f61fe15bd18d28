package overair

// SyncStatus is the stable status code set reported by Sync.
type SyncStatus int

const (
	StatusUpToDate SyncStatus = iota
	StatusUpdateInstalled
	StatusUpdateIgnored
	StatusUnknownError
	StatusSyncInProgress
	StatusCheckingForUpdate
	StatusAwaitingUserAction
	StatusDownloadingPackage
	StatusInstallingUpdate
)

func (s SyncStatus) String() string {
	switch s {
	case StatusUpToDate:
		return "UP_TO_DATE"
	case StatusUpdateInstalled:
		return "UPDATE_INSTALLED"
	case StatusUpdateIgnored:
		return "UPDATE_IGNORED"
	case StatusUnknownError:
		return "UNKNOWN_ERROR"
	case StatusSyncInProgress:
		return "SYNC_IN_PROGRESS"
	case StatusCheckingForUpdate:
		return "CHECKING_FOR_UPDATE"
	case StatusAwaitingUserAction:
		return "AWAITING_USER_ACTION"
	case StatusDownloadingPackage:
		return "DOWNLOADING_PACKAGE"
	case StatusInstallingUpdate:
		return "INSTALLING_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// InstallMode controls when an installed package takes effect. The zero
// value means "unset" and is replaced by the per-update default.
type InstallMode int

const (
	// InstallImmediate restarts into the new package right away.
	InstallImmediate InstallMode = iota + 1
	// InstallOnNextRestart applies the package the next time the host
	// restarts for any reason.
	InstallOnNextRestart
	// InstallOnNextResume applies the package when the host returns from
	// the background, subject to a minimum background duration.
	InstallOnNextResume
	// InstallOnNextSuspend applies the package as the host is suspended.
	InstallOnNextSuspend
)

func (m InstallMode) String() string {
	switch m {
	case InstallImmediate:
		return "IMMEDIATE"
	case InstallOnNextRestart:
		return "ON_NEXT_RESTART"
	case InstallOnNextResume:
		return "ON_NEXT_RESUME"
	case InstallOnNextSuspend:
		return "ON_NEXT_SUSPEND"
	default:
		return "UNKNOWN"
	}
}

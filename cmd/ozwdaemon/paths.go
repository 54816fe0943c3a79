package main

import "tools.zach/dev/ozwdaemon/internal/paths"

// ///////////////////////////////////////////////
// Path Aliases
// ///////////////////////////////////////////////

// UserPaths aliases [paths.UserDir] so daemon code can build PID, settings
// and log paths without qualifying the internal package.
type UserPaths = paths.UserDir

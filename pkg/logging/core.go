package logging

import (
	corelogging "github.com/core-tools/hsu-core/pkg/logging"
)

// NewCoreLogger routes the logs of the hsu-core server and client through parent
func NewCoreLogger(parent Logger) corelogging.Logger {
	return corelogging.NewLogger("module: hsu-core , ", corelogging.LogFuncs{
		Debugf: parent.Debugf,
		Infof:  parent.Infof,
		Warnf:  parent.Warnf,
		Errorf: parent.Errorf,
	})
}

//go:build amd64 || arm64

package main

import (
	"github.com/aegistudio/shaft"
	"go.uber.org/zap"

	"github.com/chaitin/uprobetrace"
)

var (
	fileopenEnabled bool
	fileopenPath    = "/usr/lib64/dotnet/shared/" +
		"Microsoft.NETCore.App/3.1.5/System.Native.so"
)

// Access modes of the managed OpenFlags enumeration,
// which differ from the values of the kernel.
const (
	managedWriteOnly = 0x0001
	managedReadWrite = 0x0002
)

// managedAccess formats the access mode of the flags.
func managedAccess(flags int64) string {
	switch flags & (managedWriteOnly | managedReadWrite) {
	case managedWriteOnly:
		return "O_WRONLY"
	case managedReadWrite:
		return "O_RDWR"
	default:
		return "O_RDONLY"
	}
}

// pendingOpen is an open call that has not returned yet.
type pendingOpen struct {
	path  string
	flags int64
}

// fileopenTracker matches the entry and the return of
// SystemNative_Open fired on the same thread.
type fileopenTracker struct {
	logger  *zap.SugaredLogger
	opening map[int]pendingOpen
}

func (t *fileopenTracker) handleOpen(entry *uprobetrace.Entry) error {
	tid, err := entry.TID()
	if err != nil {
		return err
	}
	path, err := entry.StringArg(0)
	if err != nil {
		return err
	}
	flags, err := entry.LongArg(1)
	if err != nil {
		return err
	}
	t.opening[tid] = pendingOpen{path: path, flags: flags}
	return nil
}

func (t *fileopenTracker) handleOpenReturn(entry *uprobetrace.Entry) error {
	tid, err := entry.TID()
	if err != nil {
		return err
	}
	pending, ok := t.opening[tid]
	if !ok {
		return nil
	}
	delete(t.opening, tid)
	fd, err := entry.LongArg(0)
	if err != nil {
		return err
	}
	if fd == -1 {
		return nil
	}
	t.logger.Infof("thread %d opened %q as %s, fd = %d",
		tid, pending.path, managedAccess(pending.flags), fd)
	return nil
}

func initFileopenModule() shaft.Option {
	if !(allEnabled || fileopenEnabled) {
		return shaft.Module()
	}
	return shaft.Provide(func(
		logger *zap.SugaredLogger,
	) ([]probeHandler, error) {
		tracker := &fileopenTracker{
			logger:  logger,
			opening: make(map[int]pendingOpen),
		}
		return []probeHandler{
			{
				probe: uprobetrace.Probe{
					Event:  "Open",
					Path:   fileopenPath,
					Symbol: "SystemNative_Open",
					Args: []uprobetrace.FetchArg{
						uprobetrace.MemoryAt(
							uprobetrace.Register(registerArg0), 0).AsString(),
						uprobetrace.Register(registerArg1),
					},
				},
				handle: tracker.handleOpen,
			},
			{
				probe: uprobetrace.Probe{
					Event:  "OpenRet",
					Path:   fileopenPath,
					Symbol: "SystemNative_Open",
					Args: []uprobetrace.FetchArg{
						uprobetrace.ReturnValue(),
					},
					Return: true,
				},
				handle: tracker.handleOpenReturn,
			},
		}, nil
	})
}

func init() {
	moduleInits = append(moduleInits, initFileopenModule)
	rootCmd.PersistentFlags().BoolVar(
		&fileopenEnabled, "dotnet-open", fileopenEnabled,
		"collect files opened by .NET applications")
	rootCmd.PersistentFlags().StringVar(
		&fileopenPath, "dotnet-native", fileopenPath,
		"path of System.Native.so of the .NET runtime")
}

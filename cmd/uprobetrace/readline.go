package main

import (
	"time"

	"github.com/aegistudio/shaft"
	"go.uber.org/zap"

	"github.com/chaitin/uprobetrace"
)

var (
	readlineEnabled bool
	readlinePath    = "/bin/bash"
)

// readlineEvent is the line returned from readline.
type readlineEvent struct {
	TID       int           `uprobe:"tid"`
	Timestamp time.Duration `uprobe:"timestamp"`
	Line      string        `uprobe:"0"`
}

func initReadlineModule() shaft.Option {
	if !(allEnabled || readlineEnabled) {
		return shaft.Module()
	}
	return shaft.Provide(func(
		logger *zap.SugaredLogger,
	) ([]probeHandler, error) {
		return []probeHandler{{
			probe: uprobetrace.Probe{
				Event:  "ReadLine",
				Path:   readlinePath,
				Symbol: "readline",
				Args: []uprobetrace.FetchArg{
					uprobetrace.MemoryAt(
						uprobetrace.ReturnValue(), 0).AsString(),
				},
				Return: true,
			},
			handle: func(entry *uprobetrace.Entry) error {
				var event readlineEvent
				if err := entry.Unmarshal(&event); err != nil {
					return err
				}
				logger.Infof("%.6f %d - readline() = %q",
					event.Timestamp.Seconds(), event.TID, event.Line)
				return nil
			},
		}}, nil
	})
}

func init() {
	moduleInits = append(moduleInits, initReadlineModule)
	rootCmd.PersistentFlags().BoolVar(
		&readlineEnabled, "readline", readlineEnabled,
		"collect lines read by bash")
	rootCmd.PersistentFlags().StringVar(
		&readlinePath, "readline-path", readlinePath,
		"path of the bash binary or libreadline")
}

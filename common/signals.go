package common

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"
)

// A subsystem/server/... that can be stopped or queried about the status with a signal
type SignalsReceiver interface {
	Status() string
	Stop() error
}

func SignalHandlerLoop(ss ...SignalsReceiver) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGUSR1)
	buf := make([]byte, 1<<20)
	for {
		sig := <-sigs
		switch sig {
		case syscall.SIGINT:
			Log.Infof("=== received SIGINT ===\n*** exiting")
			for _, subsystem := range ss {
				if err := subsystem.Stop(); err != nil {
					Log.Warningf("failed to stop subsystem: %s", err)
				}
			}
			os.Exit(0)
		case syscall.SIGQUIT:
			stacklen := runtime.Stack(buf, true)
			Log.Infof("=== received SIGQUIT ===\n*** goroutine dump...\n%s\n*** end", buf[:stacklen])
		case syscall.SIGUSR1:
			for _, subsystem := range ss {
				Log.Infof("=== received SIGUSR1 ===\n*** status...\n%s\n*** end", subsystem.Status())
			}
		}
	}
}
